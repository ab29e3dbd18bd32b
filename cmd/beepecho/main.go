// Command beepecho is a runnable demonstration of the beep engine: a
// listener that sends every MSG it receives back as a MSG on the same
// channel, and a client mode that sends a few messages on channel 0 and
// logs each frame it gets back, modeled on the teacher's cmd/azurl and
// examples/echo pair.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/atsika/beep"
)

const echoProfile = "http://example.com/beep/echo"

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", "127.0.0.1:1775", "address to listen on or dial")
	network := flag.String("network", "tcp", "tcp or tcp6")
	flag.Parse()

	switch *mode {
	case "server":
		runServer(*network, *addr)
	case "client":
		runClient(*network, *addr)
	default:
		log.Fatalf("beepecho: unknown -mode %q", *mode)
	}
}

func runServer(network, addr string) {
	ctx := beep.NewContext()
	ln, err := ctx.Listen(network, addr, echoProfile)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	log.Printf("[beepecho] listening on %s", ln.Addr())

	for {
		s, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		go serveSession(s)
	}
}

func serveSession(s *beep.Session) {
	defer s.Close()
	log.Printf("[beepecho] session %d from %s established, remote profiles: %v",
		s.ID(), s.RemoteAddr(), s.RemoteProfiles())

	// A real peer would open a dedicated channel via the channel-management
	// profile's start/close exchange (out of scope here) before running the
	// echo profile on it; this demo runs the echo loop directly on channel 0.
	for {
		f, err := s.ReceiveFrame()
		if err != nil {
			return
		}
		if f.Type != beep.FrameMSG {
			continue
		}
		if err := s.SendMessage(f.Channel, f.Payload); err != nil {
			log.Printf("echo reply: %v", err)
			return
		}
	}
}

func runClient(network, addr string) {
	s, err := beep.Dial(network, addr)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer s.Close()

	log.Printf("[beepecho] connected, remote profiles: %v", s.RemoteProfiles())

	for i := 0; i < 3; i++ {
		msg := []byte(fmt.Sprintf("echo %d", i))
		if err := s.SendMessage(0, msg); err != nil {
			log.Fatalf("send: %v", err)
		}
		reply, err := s.ReceiveFrame()
		if err != nil {
			log.Fatalf("receive: %v", err)
		}
		log.Printf("[beepecho] reply: %s", reply.Payload)
	}
}
