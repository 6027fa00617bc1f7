package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/user/meshpost/config"
	"github.com/user/meshpost/gossip"
	"github.com/user/meshpost/transport"
)

func fastConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.DisplayName = name
	cfg.InterSendDelay = config.Duration(time.Millisecond)
	cfg.RetryBackoff = []config.Duration{
		config.Duration(5 * time.Millisecond),
		config.Duration(10 * time.Millisecond),
	}
	return cfg
}

func waitForPosts(t *testing.T, e *gossip.Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(e.GetLocalPosts()) < want {
		if time.Now().After(deadline) {
			t.Fatalf("node never converged: have %d posts, want %d (stats %+v)",
				len(e.GetLocalPosts()), want, e.QueueStats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestTwoNodeConvergence verifies a post added on one node floods to the
// other over the hub
func TestTwoNodeConvergence(t *testing.T) {
	hub := transport.NewHub(nil)

	alpha := gossip.NewEngine("alpha001", fastConfig("alpha"), hub.Attach("alpha001"))
	bravo := gossip.NewEngine("bravo001", fastConfig("bravo"), hub.Attach("bravo001"))

	if err := alpha.Start(); err != nil {
		t.Fatal(err)
	}
	defer alpha.Stop()
	if err := bravo.Start(); err != nil {
		t.Fatal(err)
	}
	defer bravo.Stop()

	post := gossip.Post{
		Kind:        gossip.KindSOS,
		Description: "Need water",
		Locality:    "house 12",
		CreatedAt:   time.Now().UnixMilli(),
		ID:          "sos0001",
	}
	if err := alpha.AddLocalPost(post); err != nil {
		t.Fatal(err)
	}

	waitForPosts(t, bravo, 1)

	got := bravo.GetLocalPosts()
	if got[0].ID != "sos0001" || got[0].Kind != gossip.KindSOS {
		t.Errorf("unexpected post on bravo: %+v", got[0])
	}
}

// TestThreeNodeFlood verifies multi-hop propagation and bidirectional merge
func TestThreeNodeFlood(t *testing.T) {
	hub := transport.NewHub(nil)

	nodes := make([]*gossip.Engine, 3)
	for i := range nodes {
		id := fmt.Sprintf("node%04d", i)
		nodes[i] = gossip.NewEngine(id, fastConfig(id), hub.Attach(id))
		if err := nodes[i].Start(); err != nil {
			t.Fatal(err)
		}
		defer nodes[i].Stop()
	}

	for i, n := range nodes {
		post := gossip.Post{
			Kind:        gossip.KindHave,
			Description: fmt.Sprintf("supplies from node %d", i),
			CreatedAt:   time.Now().UnixMilli(),
			ID:          fmt.Sprintf("have%04d", i),
		}
		if err := n.AddLocalPost(post); err != nil {
			t.Fatal(err)
		}
	}

	for _, n := range nodes {
		waitForPosts(t, n, 3)
	}
}

// TestPartitionHealReconverges verifies a node that was offline catches up
// after the reconnect resync
func TestPartitionHealReconverges(t *testing.T) {
	hub := transport.NewHub(nil)

	alphaTr := hub.Attach("alpha001")
	bravoTr := hub.Attach("bravo001")

	alpha := gossip.NewEngine("alpha001", fastConfig("alpha"), alphaTr)
	bravo := gossip.NewEngine("bravo001", fastConfig("bravo"), bravoTr)

	if err := alpha.Start(); err != nil {
		t.Fatal(err)
	}
	defer alpha.Stop()
	if err := bravo.Start(); err != nil {
		t.Fatal(err)
	}
	defer bravo.Stop()

	// Seed mutual awareness
	if err := alpha.AddLocalPost(gossip.Post{
		Kind: gossip.KindHave, Description: "rice", CreatedAt: 1, ID: "have0001",
	}); err != nil {
		t.Fatal(err)
	}
	waitForPosts(t, bravo, 1)

	// Bravo drops off the mesh; alpha posts while it is gone
	bravoTr.StopAll()
	time.Sleep(10 * time.Millisecond)

	if err := alpha.AddLocalPost(gossip.Post{
		Kind: gossip.KindSOS, Description: "gas leak", CreatedAt: 2, ID: "sos00001",
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(bravo.GetLocalPosts()) != 1 {
		t.Fatal("partitioned node should not have received the post")
	}

	// Bravo returns; alpha sees the rediscovery and resyncs
	if err := bravoTr.StartAdvertising("bravo"); err != nil {
		t.Fatal(err)
	}
	if err := bravoTr.StartDiscovery(); err != nil {
		t.Fatal(err)
	}

	waitForPosts(t, bravo, 2)
}
