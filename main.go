package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/user/meshpost/config"
	"github.com/user/meshpost/gossip"
	"github.com/user/meshpost/logger"
	"github.com/user/meshpost/transport"
)

// Demo: two nodes on an in-memory hub exchange survival posts.
func main() {
	cfgPath := "meshpost.yml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v (using defaults)\n", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	hub := transport.NewHub(nil)

	alphaID := uuid.New().String()
	bravoID := uuid.New().String()

	alphaCfg := *cfg
	alphaCfg.DisplayName = "alpha"
	bravoCfg := *cfg
	bravoCfg.DisplayName = "bravo"

	alpha := gossip.NewEngine(alphaID, &alphaCfg, hub.Attach(alphaID))
	bravo := gossip.NewEngine(bravoID, &bravoCfg, hub.Attach(bravoID))

	if err := alpha.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "alpha: %v\n", err)
		os.Exit(1)
	}
	if err := bravo.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "bravo: %v\n", err)
		os.Exit(1)
	}
	defer alpha.Stop()
	defer bravo.Stop()

	now := time.Now().UnixMilli()
	posts := []gossip.Post{
		{Kind: gossip.KindSOS, Description: "Trapped under debris, second floor", Locality: "house 12", CreatedAt: now, ID: "sos0001"},
		{Kind: gossip.KindWant, Description: "Insulin for type 1 diabetic", Locality: "house 3", CreatedAt: now, ID: "want0001"},
		{Kind: gossip.KindHave, Description: "Clean water, 40 liters", Locality: "house 7", CreatedAt: now, ID: "have0001"},
	}
	for _, p := range posts {
		if err := alpha.AddLocalPost(p); err != nil {
			fmt.Fprintf(os.Stderr, "add post: %v\n", err)
		}
	}

	// Let the flood settle
	time.Sleep(2 * time.Second)

	fmt.Println("\n=== alpha ===")
	printNode(alpha)
	fmt.Println("\n=== bravo ===")
	printNode(bravo)
}

func printNode(e *gossip.Engine) {
	stats := e.QueueStats()
	fmt.Printf("posts=%d queued=%d seen=%d peers=%d\n",
		stats.LocalPostCount, stats.QueueLength, stats.SeenMessageCount, stats.KnownPeerCount)
	for _, p := range e.GetLocalPosts() {
		fmt.Printf("  [%s] %s (%s)\n", p.Kind, p.Description, p.Locality)
	}
}
