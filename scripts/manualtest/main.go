package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/jaywantadh/chunkcast/internal/p2p"
	"github.com/jaywantadh/chunkcast/internal/streaming"
	"github.com/jaywantadh/chunkcast/internal/transfer"
	"github.com/jaywantadh/chunkcast/pkg/logging"
)

// Fans one payload out from alice to bob and carol in process. Carol's link
// is slow, so bob finishes first while carol is held back by backpressure.
func main() {
	logging.InitLogger(true)

	payload := make([]byte, 1<<20)
	if _, err := rand.Read(payload); err != nil {
		fmt.Printf("❌ Failed to build payload: %v\n", err)
		os.Exit(1)
	}

	received := make(chan *streaming.Artifact, 2)
	receiver := func(id string) *transfer.Engine {
		return transfer.NewEngine(transfer.Options{
			LocalID: id,
			Logger:  logging.Logger().WithField("node", id),
			OnReceiveComplete: func(peerID string, artifact *streaming.Artifact) {
				fmt.Printf("📥 %s got %s (%d bytes) from %s\n", id, artifact.Name, artifact.Size, peerID)
				received <- artifact
			},
		})
	}

	alice := transfer.NewEngine(transfer.Options{
		LocalID:       "alice",
		Logger:        logging.Logger().WithField("node", "alice"),
		HighWaterMark: 128 * 1024,
		OnProgress: func(p transfer.Progress) {
			if p.Direction == transfer.DirectionSend {
				fmt.Printf("⏳ %s -> %s %.0f%%\n", p.Name, p.PeerID, p.Percent)
			}
		},
	})
	bob, carol := receiver("bob"), receiver("carol")
	defer alice.Close()
	defer bob.Close()
	defer carol.Close()

	toBob, fromAlice := p2p.NewLoopback("alice", "bob")
	toCarol, fromAliceSlow := p2p.NewLoopback("alice", "carol", p2p.WithLatency(2*time.Millisecond))
	for _, pair := range []struct {
		engine *transfer.Engine
		ch     transfer.PeerChannel
	}{{alice, toBob}, {alice, toCarol}, {bob, fromAlice}, {carol, fromAliceSlow}} {
		if err := pair.engine.AddPeer(pair.ch); err != nil {
			fmt.Printf("❌ AddPeer failed: %v\n", err)
			os.Exit(1)
		}
	}

	h, err := alice.Send(transfer.BytesPayload("random.bin", "application/octet-stream", payload), []string{"bob", "carol"})
	if err != nil {
		fmt.Printf("❌ Send failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	res, err := h.Wait(ctx)
	if err != nil {
		fmt.Printf("❌ Transfer did not finish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("📤 Result: %s, completed %v in %v\n", res.Status, res.Completed, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	for i := 0; i < 2; i++ {
		select {
		case artifact := <-received:
			if !bytes.Equal(artifact.Data, payload) {
				fmt.Println("❌ MISMATCH: received content differs from the original")
				os.Exit(1)
			}
		case <-ctx.Done():
			fmt.Println("❌ Timed out waiting for receivers")
			os.Exit(1)
		}
	}
	fmt.Println("✅ SUCCESS: both receivers hold an identical copy")
}
