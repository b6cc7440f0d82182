package azrelay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// "table" backend: Azure Table Storage instead of append blobs or
// queues. Each raw write becomes one entity keyed by a monotonic
// RowKey, so unlike the queue backend's pop-and-delete semantics, a
// reader re-lists from its last-seen sequence number instead of
// consuming a message queue.
const tableBackendName = "table"

// maxTableBinaryPropertySize is the size of a single Edm.Binary
// property (64 KiB); maxTableProperties of those per entity keep one
// relay write under the per-entity size cap.
const (
	maxTableBinaryPropertySize = 64 * 1024
	maxTableProperties         = 15
	maxTableEntitySize         = maxTableProperties * maxTableBinaryPropertySize
)

var tableDataKeys = [maxTableProperties]string{
	"Data", "Data01", "Data02", "Data03", "Data04", "Data05", "Data06",
	"Data07", "Data08", "Data09", "Data10", "Data11", "Data12", "Data13", "Data14",
}

func init() { registerBackend(tableBackendName, &tableFactory{}) }

// buildTableEntity splits data across maxTableProperties Edm.Binary
// columns and marshals the result as the JSON body
// aztables.Client.AddEntity expects.
func buildTableEntity(pk, rk string, data []byte) ([]byte, error) {
	m := map[string]any{"PartitionKey": pk, "RowKey": rk}
	for i := 0; i < maxTableProperties && len(data) > 0; i++ {
		take := min(len(data), maxTableBinaryPropertySize)
		m[tableDataKeys[i]] = base64.StdEncoding.EncodeToString(data[:take])
		m[tableDataKeys[i]+"@odata.type"] = "Edm.Binary"
		data = data[take:]
	}
	return json.Marshal(m)
}

func extractTableData(raw []byte) []byte {
	var m map[string]any
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	var res []byte
	for i := range maxTableProperties {
		v, ok := m[tableDataKeys[i]]
		if !ok {
			break
		}
		s, ok := v.(string)
		if !ok {
			break
		}
		chunk, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			break
		}
		res = append(res, chunk...)
	}
	return res
}

func tableRowKey(raw []byte) string {
	var meta struct{ RowKey string }
	_ = json.Unmarshal(raw, &meta)
	return meta.RowKey
}

func isTableNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func isTableAlreadyExists(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusConflict
}

type tableFactory struct{}

func (tableFactory) newDriver(ep *Endpoint, cfg *Config) (backendDriver, error) {
	client, err := newTableServiceClient(ep)
	if err != nil {
		return nil, err
	}
	if client != nil {
		for _, name := range []string{cfg.handshakeEndpoint, cfg.tokenEndpoint} {
			if _, err := client.CreateTable(cfg.ctx, name, nil); err != nil && !isTableAlreadyExists(err) {
				return nil, err
			}
		}
	}

	var hSAS, tSAS string
	if client == nil {
		hSAS, tSAS, _ = ep.ParseSAS(cfg)
	}
	ht, err := resolveTableClient(client, ep, cfg.handshakeEndpoint, hSAS)
	if err != nil {
		return nil, err
	}
	tt, err := resolveTableClient(client, ep, cfg.tokenEndpoint, tSAS)
	if err != nil {
		return nil, err
	}
	return &tableDriver{ep: ep, client: client, cfg: cfg, handshakeTable: ht, tokenTable: tt}, nil
}

func resolveTableClient(client *aztables.ServiceClient, ep *Endpoint, name, sasToken string) (*aztables.Client, error) {
	if client != nil && sasToken == "" {
		return client.NewClient(name), nil
	}
	c, err := aztables.NewClientWithNoCredential(ep.JoinURL(name, sasToken), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
	}
	return c, nil
}

type tableDriver struct {
	ep                         *Endpoint
	client                     *aztables.ServiceClient
	cfg                        *Config
	handshakeTable, tokenTable *aztables.Client
}

func (p *tableDriver) postHandshake(ctx context.Context, connID string, msg []byte) error {
	data, err := buildTableEntity(p.cfg.handshakeEndpoint, connID, msg)
	if err != nil {
		return err
	}
	_, err = p.handshakeTable.AddEntity(ctx, data, nil)
	return err
}

func (p *tableDriver) getHandshakes(ctx context.Context) ([]bootstrapMsg, error) {
	pager := p.handshakeTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: to.Ptr("PartitionKey eq '" + p.cfg.handshakeEndpoint + "'"),
	})
	var out []bootstrapMsg
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			out = append(out, bootstrapMsg{ID: tableRowKey(e), Payload: extractTableData(e)})
		}
	}
	return out, nil
}

func (p *tableDriver) deleteHandshake(ctx context.Context, id string) error {
	_, err := p.handshakeTable.DeleteEntity(ctx, p.cfg.handshakeEndpoint, id, nil)
	return err
}

func (p *tableDriver) postToken(ctx context.Context, connID string, msg []byte) error {
	data, err := buildTableEntity(p.cfg.tokenEndpoint, connID, msg)
	if err != nil {
		return err
	}
	_, err = p.tokenTable.AddEntity(ctx, data, nil)
	return err
}

func (p *tableDriver) getToken(ctx context.Context, connID string) ([]byte, error) {
	resp, err := p.tokenTable.GetEntity(ctx, p.cfg.tokenEndpoint, connID, nil)
	if err != nil {
		if isTableNotFound(err) {
			return nil, ErrNoData
		}
		return nil, err
	}
	return extractTableData(resp.Value), nil
}

func (p *tableDriver) deleteToken(ctx context.Context, connID string) error {
	_, err := p.tokenTable.DeleteEntity(ctx, p.cfg.tokenEndpoint, connID, nil)
	return err
}

func (p *tableDriver) makeSAS(name string, permissions aztables.SASPermissions) (string, error) {
	start, end := p.cfg.SASTimes()
	sv := aztables.SASSignatureValues{
		Protocol: aztables.SASProtocolHTTPSandHTTP, TableName: name,
		Permissions: permissions.String(), StartTime: start, ExpiryTime: end,
	}
	cred, err := aztables.NewSharedKeyCredential(p.ep.Account, p.ep.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrClientCreation, err)
	}
	sasToken, err := sv.Sign(cred)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(sasToken, "?"), nil
}

func (p *tableDriver) createBootstrapTokens() (string, string, error) {
	if p.ep.Account == "" || p.ep.Key == "" {
		return "", "", ErrSASGeneration
	}
	hSAS, err := p.makeSAS(p.cfg.handshakeEndpoint, aztables.SASPermissions{Add: true})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	tSAS, err := p.makeSAS(p.cfg.tokenEndpoint, aztables.SASPermissions{Read: true})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	return hSAS, tSAS, nil
}

func (p *tableDriver) createSession(ctx context.Context, connID string) (sealedTokens, error) {
	reqName := p.cfg.reqPrefix + sanitizeTableName(connID)
	resName := p.cfg.resPrefix + sanitizeTableName(connID)
	if _, err := p.client.CreateTable(ctx, reqName, nil); err != nil && !isTableAlreadyExists(err) {
		return sealedTokens{}, fmt.Errorf("create session table %s: %w", reqName, err)
	}
	if _, err := p.client.CreateTable(ctx, resName, nil); err != nil && !isTableAlreadyExists(err) {
		return sealedTokens{}, fmt.Errorf("create session table %s: %w", resName, err)
	}
	reqSAS, err := p.makeSAS(reqName, aztables.SASPermissions{Add: true})
	if err != nil {
		return sealedTokens{}, fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	resSAS, err := p.makeSAS(resName, aztables.SASPermissions{Read: true})
	if err != nil {
		return sealedTokens{}, fmt.Errorf("%w: %v", ErrSASGeneration, err)
	}
	return sealedTokens{Req: reqSAS, Res: resSAS}, nil
}

func (p *tableDriver) newBackend(_ context.Context, connID string, tokens sealedTokens, isInitiator bool) (backend, error) {
	reqName := p.cfg.reqPrefix + sanitizeTableName(connID)
	resName := p.cfg.resPrefix + sanitizeTableName(connID)
	var tx, rx *aztables.Client
	if isInitiator {
		var err error
		tx, err = aztables.NewClientWithNoCredential(p.ep.JoinURL(reqName, tokens.Req), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
		rx, err = aztables.NewClientWithNoCredential(p.ep.JoinURL(resName, tokens.Res), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
	} else {
		tx, rx = p.client.NewClient(resName), p.client.NewClient(reqName)
	}
	return &tableBackend{connID: connID, txClient: tx, rxClient: rx, ep: p.ep, txName: reqName, rxName: resName}, nil
}

func (p *tableDriver) cleanupBootstrap(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	_, _ = p.client.DeleteTable(ctx, p.cfg.handshakeEndpoint, nil)
	_, _ = p.client.DeleteTable(ctx, p.cfg.tokenEndpoint, nil)
	return nil
}

func (p *tableDriver) cleanupSession(ctx context.Context, connID string) error {
	if p.client == nil {
		return nil
	}
	_, _ = p.client.DeleteTable(ctx, p.cfg.reqPrefix+sanitizeTableName(connID), nil)
	_, _ = p.client.DeleteTable(ctx, p.cfg.resPrefix+sanitizeTableName(connID), nil)
	return nil
}

// tableBackend stores each write as one entity under partition key
// "data", keyed by a zero-padded decimal RowKey so lexical listing
// order matches write order; readRaw re-lists from its last-seen
// sequence number rather than dequeuing, since table rows aren't
// consumed on read the way queue messages are.
type tableBackend struct {
	txClient, rxClient *aztables.Client
	ep                 *Endpoint
	connID             string
	txName, rxName     string

	mu           sync.Mutex
	txSeq, rxSeq int
}

func (t *tableBackend) writeRaw(ctx context.Context, data io.ReadSeeker) error {
	t.mu.Lock()
	seq := t.txSeq
	t.txSeq++
	t.mu.Unlock()

	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	entity, err := buildTableEntity("data", formatTableRowKey(seq), raw)
	if err != nil {
		return err
	}
	_, err = t.txClient.AddEntity(ctx, entity, nil)
	return err
}

func (t *tableBackend) readRaw(ctx context.Context) (io.ReadCloser, error) {
	t.mu.Lock()
	seq := t.rxSeq
	t.mu.Unlock()

	pager := t.rxClient.NewListEntitiesPager(&aztables.ListEntitiesOptions{
		Filter: to.Ptr("PartitionKey eq 'data' and RowKey ge '" + formatTableRowKey(seq) + "'"),
		Top:    to.Ptr(int32(10)),
	})
	if !pager.More() {
		return nil, ErrNoData
	}
	resp, err := pager.NextPage(ctx)
	if err != nil || len(resp.Entities) == 0 {
		return nil, ErrNoData
	}

	var combined bytes.Buffer
	processed := 0
	for _, e := range resp.Entities {
		if tableRowKey(e) != formatTableRowKey(seq+processed) {
			break
		}
		combined.Write(extractTableData(e))
		processed++
	}
	if processed == 0 {
		return nil, ErrNoData
	}
	t.mu.Lock()
	t.rxSeq += processed
	t.mu.Unlock()
	return io.NopCloser(bytes.NewReader(combined.Bytes())), nil
}

func (t *tableBackend) close() error    { return nil }
func (t *tableBackend) maxRawSize() int { return maxTableEntitySize }
func (t *tableBackend) localAddr() net.Addr {
	return relayAddr{tableBackendName, t.ep.ServiceURL(), t.txName}
}
func (t *tableBackend) remoteAddr() net.Addr {
	return relayAddr{tableBackendName, t.ep.ServiceURL(), t.rxName}
}

func formatTableRowKey(seq int) string {
	var b [9]byte
	for i := 8; i >= 0; i-- {
		b[i] = byte('0' + (seq % 10))
		seq /= 10
	}
	return string(b[:])
}

func sanitizeTableName(connID string) string {
	return strings.ReplaceAll(connID, "-", "")
}

func newTableServiceClient(ep *Endpoint) (*aztables.ServiceClient, error) {
	if ep.Account != "" && ep.Key != "" {
		cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClientCreation, err)
		}
		return aztables.NewServiceClientWithSharedKey(ep.ServiceURL(), cred, nil)
	}
	return nil, nil
}
