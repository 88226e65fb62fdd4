package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	phxsocket "github.com/braverhealth/phoenix-socket-go"
	"github.com/braverhealth/phoenix-socket-go/wsconn"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	endpoint := flag.String("endpoint", "ws://127.0.0.1:4000/socket", "Phoenix socket endpoint")
	topic := flag.String("topic", "room:lobby", "channel topic to join")
	verbose := flag.Bool("verbose", false, "enable verbose client logging")
	version := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("phxdemo\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	log.Println("===========================================")
	log.Printf("   phxdemo %s", Version)
	log.Println("===========================================")

	socket, err := phxsocket.NewSocket(*endpoint, phxsocket.Options{
		Logger:           phxsocket.NewStdLogger(*verbose),
		ReconnectDelays:  phxsocket.DefaultReconnectDelays(),
		TransportFactory: wsconn.NewFactory(),
	})
	if err != nil {
		log.Fatalf("failed to build socket: %v", err)
	}

	openCh, cancelOpen := socket.OpenStream()
	defer cancelOpen()
	closeCh, cancelClose := socket.CloseStream()
	defer cancelClose()
	go func() {
		for range openCh {
			log.Println("✅ socket open")
		}
	}()
	go func() {
		for ev := range closeCh {
			log.Printf("❌ socket closed: code=%d reason=%q", ev.Code, ev.Reason)
		}
	}()

	if err := socket.Connect(); err != nil {
		log.Fatalf("failed to connect: %v", err)
	}

	channel := socket.AddChannel(*topic, map[string]any{}, 0)
	channel.Join(0).
		OnReply("ok", func(resp phxsocket.PushResponse) {
			log.Printf("joined %s: %+v", *topic, resp.Response)
		}).
		OnReply("error", func(resp phxsocket.PushResponse) {
			log.Printf("failed to join %s: %+v", *topic, resp.Response)
		})

	msgs, cancelMsgs := channel.Messages()
	defer cancelMsgs()
	go func() {
		for msg := range msgs {
			log.Printf("← %s %v", msg.Event, msg.Payload)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("shutting down")
	_ = channel.Leave(5 * time.Second)
	socket.Dispose()
	log.Println("daemon stopped")
}
