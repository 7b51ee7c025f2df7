package consensus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/storage"
	"github.com/replcheck/replcheck/internal/verify"
)

type testNode struct {
	node   *Node
	engine *storage.Engine
	sink   *memSink
}

func startTestNode(t *testing.T, id, bind string, bootstrap bool, peers map[string]string) *testNode {
	t.Helper()
	dir := t.TempDir()

	engine, err := storage.Open(filepath.Join(dir, "data.db"))
	if err != nil {
		t.Fatalf("open engine for %s: %v", id, err)
	}
	t.Cleanup(func() { engine.Close() })

	sink := &memSink{}
	handler := verify.NewHandler(engine, sink, nil, verify.HandlerConfig{})

	node, err := NewNode(&NodeConfig{
		NodeID:    id,
		BindAddr:  bind,
		DataDir:   dir,
		Bootstrap: bootstrap,
		PeerAddrs: peers,
	}, engine, handler)
	if err != nil {
		t.Fatalf("new node %s: %v", id, err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start node %s: %v", id, err)
	}
	t.Cleanup(func() { node.Stop() })

	return &testNode{node: node, engine: engine, sink: sink}
}

func waitForLeaderElection(t *testing.T, nodes []*testNode) *testNode {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			if n.node.IsLeader() {
				return n
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("no leader elected")
	return nil
}

func waitForStopEntry(t *testing.T, n *testNode) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.sink.byOperation("checkStop")) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("follower never applied the stop marker")
}

func TestThreeNodeClusterCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	addrs := map[string]string{
		"node1": "127.0.0.1:18101",
		"node2": "127.0.0.1:18102",
		"node3": "127.0.0.1:18103",
	}
	peersOf := func(self string) map[string]string {
		peers := make(map[string]string)
		for id, addr := range addrs {
			if id != self {
				peers[id] = addr
			}
		}
		return peers
	}

	node1 := startTestNode(t, "node1", addrs["node1"], true, peersOf("node1"))
	node2 := startTestNode(t, "node2", addrs["node2"], false, peersOf("node2"))
	node3 := startTestNode(t, "node3", addrs["node3"], false, peersOf("node3"))
	nodes := []*testNode{node1, node2, node3}

	leader := waitForLeaderElection(t, nodes)

	if err := leader.node.CreateCollection(testNS, false); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	for i := 1; i <= 10; i++ {
		doc, err := bson.Marshal(bson.D{{Key: "_id", Value: i}, {Key: "v", Value: fmt.Sprintf("value-%d", i)}})
		if err != nil {
			t.Fatalf("marshal doc: %v", err)
		}
		if err := leader.node.Insert(testNS, doc); err != nil {
			t.Fatalf("insert doc %d: %v", i, err)
		}
	}

	runner := verify.NewRunner(leader.engine, leader.node, leader.sink, nil, 0)
	err := runner.Run(context.Background(), verify.CheckParams{
		Namespace:     testNS,
		MaxBatchCount: 4,
		LogBatch:      true,
	})
	if err != nil {
		t.Fatalf("run check: %v", err)
	}

	for _, n := range nodes {
		waitForStopEntry(t, n)
	}
	for i, n := range nodes {
		if errs := n.sink.bySeverity(healthlog.SeverityError); len(errs) != 0 {
			t.Fatalf("node%d: replicated data must verify clean, got error: %s", i+1, errs[0].Msg)
		}
		// 10 docs in batches of 4+4+2.
		if batches := n.sink.byOperation("checkBatch"); len(batches) != 3 {
			t.Fatalf("node%d: expected 3 batch entries, got %d", i+1, len(batches))
		}
	}
}

func TestSoloNode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}

	solo := startTestNode(t, "solo", "127.0.0.1:18110", true, nil)
	waitForLeaderElection(t, []*testNode{solo})

	if err := solo.node.CreateCollection(testNS, false); err != nil {
		t.Fatalf("create collection: %v", err)
	}
	doc, err := bson.Marshal(bson.D{{Key: "_id", Value: 1}})
	if err != nil {
		t.Fatalf("marshal doc: %v", err)
	}
	if err := solo.node.Insert(testNS, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Replicated apply errors surface to the leader's caller.
	if err := solo.node.Insert(testNS, doc); err == nil {
		t.Fatal("expected duplicate _id to fail through the log")
	}

	if err := solo.node.Submit(context.Background(), &verify.Instruction{
		Type:      verify.InstructionStart,
		Namespace: testNS,
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(solo.sink.byOperation("checkStart")) != 1 {
		t.Fatal("start instruction was not applied")
	}
	if solo.node.LastIndex() == 0 {
		t.Fatal("applied index must advance")
	}
}
