// dspctl is a small operator tool that dials a DSP nexus and drives its
// control plane (spec.md §4.8): GetPeerInfo and GetPeerStats, with an
// optional fore-channel command send for exercising the data path
// against a running DSP server. Adapted from the
// teacher's cmd/azurl, which likewise parses a handful of flags and
// prints one result to stdout rather than running a long-lived service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	dsp "github.com/delphix-oss/dsp"
	_ "github.com/delphix-oss/dsp/chandrv/tcp"
	"github.com/delphix-oss/dsp/connector"
	"github.com/delphix-oss/dsp/control"
	"github.com/delphix-oss/dsp/login"
	"github.com/delphix-oss/dsp/manager"
	"github.com/delphix-oss/dsp/options"
	"github.com/delphix-oss/dsp/sasl"
	"github.com/delphix-oss/dsp/wire"
)

// genericServiceUUID names the default service dspctl dials when
// -service is not given: any server willing to answer the control
// plane regardless of what application protocol it layers on top.
var genericServiceUUID = uuid.MustParse("6f6e6520-6473-7063-746c-000000000001")

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:7890", "server address (host:port)")
	schemeFlag := flag.String("scheme", "tcp", "chandrv scheme to dial")
	clientNameFlag := flag.String("client", "dspctl", "client terminus name presented during login")
	serverHintFlag := flag.String("server-hint", "", "server terminus name hint to present during login")
	tokenFlag := flag.String("token", "dspctl", "ANONYMOUS SASL token to present")
	cmdFlag := flag.String("cmd", "", "action: info, stats, reset-stats, exec")
	payloadFlag := flag.String("payload", "ping", "payload to send with -cmd exec")
	timeoutFlag := flag.Duration("timeout", 5*time.Second, "overall operation timeout")

	flag.Usage = printUsage
	flag.Parse()

	if *cmdFlag == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	m := manager.New(options.NewDefaultRegistry(), 4)
	defer m.Close()

	n, err := connector.Connect(ctx, m, connector.Config{
		Scheme:  *schemeFlag,
		Address: *addrFlag,
		Login: login.ClientConfig{
			Client:     dsp.ClientTerminus{UUID: uuid.New(), Name: *clientNameFlag},
			ServerHint: *serverHintFlag,
			Mechanisms: []sasl.Mechanism{sasl.NewAnonymousClient(*tokenFlag)},
			TLSOffer:   wire.TLSNone,
			Trust:      login.TrustBlind,
		},
		Service:             dsp.ServiceType{UUID: genericServiceUUID, Name: "dspctl"},
		IdealTransportCount: 1,
	})
	if err != nil {
		log.Fatalf("dspctl: connect: %v", err)
	}

	transports := n.Transports()
	if len(transports) == 0 {
		log.Fatalf("dspctl: nexus has no attached transport")
	}
	client := control.NewClient(transports[0], m.Options)

	switch *cmdFlag {
	case "info":
		info, err := client.GetPeerInfo(ctx)
		if err != nil {
			log.Fatalf("dspctl: GetPeerInfo: %v", err)
		}
		fmt.Printf("server=%q client=%q transports=%d\n", info.ServerTerminusName, info.ClientTerminusName, len(info.Transports))
		for _, ti := range info.Transports {
			fmt.Printf("  - %s\n", ti.Driver)
		}
	case "stats":
		stats, err := client.GetPeerStats(ctx)
		if err != nil {
			log.Fatalf("dspctl: GetPeerStats: %v", err)
		}
		fmt.Printf("framesIn=%d framesOut=%d bytesIn=%d bytesOut=%d resetCount=%d\n",
			stats.FramesIn, stats.FramesOut, stats.BytesIn, stats.BytesOut, stats.ResetCount)
	case "reset-stats":
		if err := client.ResetPeerStats(ctx); err != nil {
			log.Fatalf("dspctl: ResetPeerStats: %v", err)
		}
		fmt.Println("ok")
	case "exec":
		resp, err := n.ExecuteFore(ctx, []byte(*payloadFlag))
		if err != nil {
			log.Fatalf("dspctl: exec: %v", err)
		}
		fmt.Printf("%s\n", resp)
	default:
		log.Fatalf("dspctl: unknown -cmd %q", *cmdFlag)
	}

	if err := n.LogoutSession(ctx); err != nil {
		log.Printf("dspctl: logout: %v", err)
	}
}

func printUsage() {
	fmt.Println("dspctl - DSP operator tool")
	fmt.Println("Usage:")
	fmt.Println("  dspctl -addr <host:port> -cmd <info|stats|reset-stats|exec> [-payload <text>]")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  dspctl -addr 127.0.0.1:7890 -cmd info")
	fmt.Println("  dspctl -addr 127.0.0.1:7890 -cmd exec -payload hello")
}
