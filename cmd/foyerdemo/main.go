// foyerdemo spins up one gateway with a TCP listener and an in-process
// stand-in for the silo message center, connects two clients, and pushes
// a few messages through the proxy path so the whole pipeline can be
// watched on stdout.
//
// Run:
//
//	go run ./cmd/foyerdemo
//
// Endpoints:
//
//	GET /metrics     — Prometheus counters (127.0.0.1:9100)
//	GET /debug/vars  — expvar mirror
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/ironfang-ltd/go-foyer"
)

// printCenter stands in for the silo message center: it prints whatever
// the gateway hands back to the fabric.
type printCenter struct{}

func (printCenter) SendMessage(msg *foyer.Message) {
	fmt.Printf("  [silo] message from %s to %s body=%v\n", msg.Sender, msg.Target, msg.Body)
}

func (printCenter) RecordClientDrop(actors []foyer.ActorID) {
	fmt.Printf("  [silo] client drop freed %d proxied actors\n", len(actors))
}

// printRegistrar logs client arrivals and departures.
type printRegistrar struct{}

func (printRegistrar) ClientAdded(id foyer.ClientID) {
	fmt.Printf("  [registrar] client added: %s\n", id)
}

func (printRegistrar) ClientDropped(id foyer.ClientID) {
	fmt.Printf("  [registrar] client dropped: %s\n", id)
}

func main() {
	foyer.InitLogger(slog.LevelWarn)

	gw := foyer.NewGateway("silo-1:11111", printCenter{},
		foyer.WithSenderQueues(4),
		foyer.WithGraceWindow(10*time.Second),
		foyer.WithMetricsAddr("127.0.0.1:9100"),
	)
	gw.Start(printRegistrar{})

	ln, err := foyer.NewListener(gw, "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	ln.Start()
	fmt.Printf("gateway listening on %s  metrics=http://127.0.0.1:9100/metrics\n", ln.Addr())

	// Connect two clients and register a proxied grain for each.
	clients := make([]foyer.ClientID, 2)
	for i := range clients {
		id := foyer.ClientID("client-" + uuid.NewString()[:8])
		conn, gwAddr, err := foyer.Dial(ln.Addr(), id)
		if err != nil {
			log.Fatalf("dial: %v", err)
		}
		defer conn.Close()
		clients[i] = id
		fmt.Printf("client %s connected to gateway %s\n", id, gwAddr)

		gw.RecordProxiedGrain(foyer.NewClientGrainID(id), id)
	}

	// Deliver a message to each client's proxied grain through the
	// gateway, as the silo fabric would.
	for i, id := range clients {
		delivered := gw.TryDeliverToProxy(&foyer.Message{
			Direction: foyer.DirectionOneWay,
			ID:        int64(i + 1),
			Sender:    foyer.NewGrainID("greeter"),
			Target:    foyer.NewClientGrainID(id),
			Body:      fmt.Sprintf("hello %s", id),
		})
		fmt.Printf("deliver to %s: %v\n", id, delivered)
	}

	time.Sleep(200 * time.Millisecond)
	fmt.Printf("connected clients: %v\n", gw.ConnectedClients())
	fmt.Printf("metrics: %v\n", gw.Metrics().Snapshot())
	fmt.Println("press ctrl-c to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	ln.Stop()
	gw.Stop()
}
