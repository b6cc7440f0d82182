package azrelay

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/sas"
)

// "queue" backend: Storage Queues instead of append blobs. Lower
// latency for small, bursty traffic (a queue poll returns immediately
// when empty rather than needing a blob-range read), at the cost of a
// 64KB message ceiling.
const queueBackendName = "queue"

const maxQueueTextMessageSize = 64 * 1024

func init() { registerBackend(queueBackendName, &queueFactory{}) }

type queueFactory struct{}

func (queueFactory) newDriver(ep *Endpoint, cfg *Config) (backendDriver, error) {
	client, err := newQueueServiceClient(ep)
	if err != nil {
		return nil, err
	}
	if client != nil {
		for _, name := range []string{cfg.handshakeEndpoint, cfg.tokenEndpoint} {
			if _, err := client.CreateQueue(cfg.ctx, name, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
				return nil, err
			}
		}
	}

	var hSAS, tSAS string
	if client == nil {
		hSAS, tSAS, _ = ep.ParseSAS(cfg)
	}
	hq, err := resolveQueueClient(client, ep, cfg.handshakeEndpoint, hSAS)
	if err != nil {
		return nil, err
	}
	tq, err := resolveQueueClient(client, ep, cfg.tokenEndpoint, tSAS)
	if err != nil {
		return nil, err
	}
	return &queueDriver{ep: ep, client: client, cfg: cfg, handshakeQueue: hq, tokenQueue: tq}, nil
}

func resolveQueueClient(client *azqueue.ServiceClient, ep *Endpoint, name, sasToken string) (*azqueue.QueueClient, error) {
	if client != nil && sasToken == "" {
		return client.NewQueueClient(name), nil
	}
	c, err := azqueue.NewQueueClientWithNoCredential(ep.JoinURL(name, sasToken), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
	}
	return c, nil
}

type queueDriver struct {
	ep                         *Endpoint
	client                     *azqueue.ServiceClient
	cfg                        *Config
	handshakeQueue, tokenQueue *azqueue.QueueClient
	receipts                   sync.Map // connID -> "messageID:popReceipt"
}

func (p *queueDriver) postHandshake(ctx context.Context, connID string, msg []byte) error {
	_, err := p.handshakeQueue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(msg), nil)
	return err
}

func (p *queueDriver) getHandshakes(ctx context.Context) ([]bootstrapMsg, error) {
	resp, err := p.handshakeQueue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr[int32](32), VisibilityTimeout: to.Ptr[int32](60)})
	if err != nil {
		return nil, err
	}
	var out []bootstrapMsg
	for _, msg := range resp.Messages {
		if msg.MessageText != nil {
			data, _ := base64.StdEncoding.DecodeString(*msg.MessageText)
			out = append(out, bootstrapMsg{ID: *msg.MessageID + ":" + *msg.PopReceipt, Payload: data})
		}
	}
	return out, nil
}

func (p *queueDriver) deleteHandshake(ctx context.Context, id string) error {
	parts := strings.Split(id, ":")
	if len(parts) != 2 {
		return fmt.Errorf("azrelay: invalid handshake id format")
	}
	_, err := p.handshakeQueue.DeleteMessage(ctx, parts[0], parts[1], nil)
	return err
}

func (p *queueDriver) postToken(ctx context.Context, connID string, msg []byte) error {
	txt := connID + ":" + base64.StdEncoding.EncodeToString(msg)
	resp, err := p.tokenQueue.EnqueueMessage(ctx, txt, nil)
	if err == nil && len(resp.Messages) > 0 {
		p.receipts.Store(connID, *resp.Messages[0].MessageID+":"+*resp.Messages[0].PopReceipt)
	}
	return err
}

func (p *queueDriver) getToken(ctx context.Context, connID string) ([]byte, error) {
	resp, err := p.tokenQueue.PeekMessages(ctx, &azqueue.PeekMessagesOptions{NumberOfMessages: to.Ptr[int32](32)})
	if err != nil {
		return nil, err
	}
	for _, msg := range resp.Messages {
		if msg.MessageText != nil && strings.HasPrefix(*msg.MessageText, connID+":") {
			return base64.StdEncoding.DecodeString(strings.TrimPrefix(*msg.MessageText, connID+":"))
		}
	}
	return nil, ErrNoData
}

func (p *queueDriver) deleteToken(ctx context.Context, connID string) error {
	if val, ok := p.receipts.LoadAndDelete(connID); ok {
		parts := strings.Split(val.(string), ":")
		_, err := p.tokenQueue.DeleteMessage(ctx, parts[0], parts[1], nil)
		return err
	}
	return nil
}

func (p *queueDriver) makeSAS(name string, permissions sas.QueuePermissions) (string, error) {
	start, end := p.cfg.SASTimes()
	sv := sas.QueueSignatureValues{Protocol: sas.ProtocolHTTPSandHTTP, QueueName: name, Permissions: permissions.String(), StartTime: start, ExpiryTime: end}
	cred, err := azqueue.NewSharedKeyCredential(p.ep.Account, p.ep.Key)
	if err != nil {
		return "", err
	}
	token, err := sv.SignWithSharedKey(cred)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(token.Encode(), "?"), nil
}

func (p *queueDriver) createBootstrapTokens() (string, string, error) {
	if p.ep.Account == "" || p.ep.Key == "" {
		return "", "", ErrSASGeneration
	}
	hSAS, err := p.makeSAS(p.cfg.handshakeEndpoint, sas.QueuePermissions{Add: true})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	tSAS, err := p.makeSAS(p.cfg.tokenEndpoint, sas.QueuePermissions{Read: true})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	return hSAS, tSAS, nil
}

func (p *queueDriver) createSession(ctx context.Context, connID string) (sealedTokens, error) {
	reqName, resName := p.cfg.reqPrefix+"-"+connID, p.cfg.resPrefix+"-"+connID
	if _, err := p.client.CreateQueue(ctx, reqName, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return sealedTokens{}, fmt.Errorf("create session queue %s: %w", reqName, err)
	}
	if _, err := p.client.CreateQueue(ctx, resName, nil); err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return sealedTokens{}, fmt.Errorf("create session queue %s: %w", resName, err)
	}
	reqSAS, err := p.makeSAS(reqName, sas.QueuePermissions{Add: true})
	if err != nil {
		return sealedTokens{}, fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	resSAS, err := p.makeSAS(resName, sas.QueuePermissions{Read: true, Process: true})
	if err != nil {
		return sealedTokens{}, fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	return sealedTokens{Req: reqSAS, Res: resSAS}, nil
}

func (p *queueDriver) newBackend(_ context.Context, connID string, tokens sealedTokens, isInitiator bool) (backend, error) {
	reqName, resName := p.cfg.reqPrefix+"-"+connID, p.cfg.resPrefix+"-"+connID
	var tx, rx *azqueue.QueueClient
	if isInitiator {
		var err error
		tx, err = azqueue.NewQueueClientWithNoCredential(p.ep.JoinURL(reqName, tokens.Req), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
		rx, err = azqueue.NewQueueClientWithNoCredential(p.ep.JoinURL(resName, tokens.Res), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
	} else {
		tx, rx = p.client.NewQueueClient(resName), p.client.NewQueueClient(reqName)
	}
	return &queueBackend{connID: connID, txQueue: tx, rxQueue: rx, ep: p.ep, txName: reqName, rxName: resName, cfg: p.cfg}, nil
}

func (p *queueDriver) cleanupBootstrap(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	_, _ = p.client.NewQueueClient(p.cfg.handshakeEndpoint).Delete(ctx, nil)
	_, _ = p.client.NewQueueClient(p.cfg.tokenEndpoint).Delete(ctx, nil)
	return nil
}

func (p *queueDriver) cleanupSession(ctx context.Context, connID string) error {
	if p.client == nil {
		return nil
	}
	_, _ = p.client.NewQueueClient(p.cfg.reqPrefix + "-" + connID).Delete(ctx, nil)
	_, _ = p.client.NewQueueClient(p.cfg.resPrefix + "-" + connID).Delete(ctx, nil)
	return nil
}

type queueBackend struct {
	txQueue, rxQueue *azqueue.QueueClient
	ep               *Endpoint
	cfg              *Config
	connID           string
	txName, rxName   string
}

func (t *queueBackend) writeRaw(ctx context.Context, data io.ReadSeeker) error {
	raw, _ := io.ReadAll(data)
	_, err := t.txQueue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(raw), nil)
	return err
}

func (t *queueBackend) readRaw(ctx context.Context) (io.ReadCloser, error) {
	resp, err := t.rxQueue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr[int32](32)})
	if err != nil || len(resp.Messages) == 0 {
		return nil, ErrNoData
	}
	var combined []byte
	for _, msg := range resp.Messages {
		if msg.MessageText != nil {
			data, _ := base64.StdEncoding.DecodeString(*msg.MessageText)
			combined = append(combined, data...)
			_, _ = t.rxQueue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
		}
	}
	if len(combined) == 0 {
		return nil, ErrNoData
	}
	return io.NopCloser(bytes.NewReader(combined)), nil
}

func (t *queueBackend) close() error    { return nil }
func (t *queueBackend) maxRawSize() int { return (maxQueueTextMessageSize * 3) / 4 }
func (t *queueBackend) localAddr() net.Addr {
	return relayAddr{queueBackendName, t.ep.ServiceURL(), t.txName}
}
func (t *queueBackend) remoteAddr() net.Addr {
	return relayAddr{queueBackendName, t.ep.ServiceURL(), t.rxName}
}

func newQueueServiceClient(ep *Endpoint) (*azqueue.ServiceClient, error) {
	if ep.Account != "" && ep.Key != "" {
		cred, err := azqueue.NewSharedKeyCredential(ep.Account, ep.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
		return azqueue.NewServiceClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	}
	return nil, nil
}
