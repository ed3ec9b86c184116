package coedit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testPeer struct {
	clientId  Id
	docStore  *DocStore
	awareness *Awareness
	session   *Session
}

func newTestPeer(
	t *testing.T,
	ctx context.Context,
	brokerUrl string,
	room Address,
	provider ConnProvider,
	name string,
) *testPeer {
	t.Helper()

	clientId := NewId()
	docStore := NewDocStore(clientId)
	awareness := NewAwareness(clientId)
	awareness.SetLocal(PresenceRecord{
		DisplayName: name,
	})
	session := NewSessionWithDefaults(
		ctx,
		clientId,
		docStore,
		awareness,
		brokerUrl,
		room,
		StaticConnProviderFactory(provider),
	)
	t.Cleanup(session.Close)
	return &testPeer{
		clientId:  clientId,
		docStore:  docStore,
		awareness: awareness,
		session:   session,
	}
}

func TestSessionHostNewRoom(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()

	// no room requested starts a brand new room at a fresh address
	a := newTestPeer(t, ctx, brokerUrl, Address(""), provider, "alice")

	hostFired := 0
	a.session.AddHostCallback(func() {
		hostFired += 1
	})

	assert.Equal(t, a.session.Open(), nil)
	assert.Equal(t, a.session.IsHost(), true)
	assert.Equal(t, a.session.State(), SessionStateHost)
	assert.Equal(t, a.session.RoomId().IsZero(), false)
	assert.Equal(t, a.session.RoomId(), a.session.Address())
	assert.Equal(t, hostFired, 1)

	// a late subscriber does not miss the transition
	lateFired := 0
	a.session.AddHostCallback(func() {
		lateFired += 1
	})
	assert.Equal(t, lateFired, 1)
	assert.Equal(t, hostFired, 1)
}

func TestSessionClaimConflict(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)
	assert.Equal(t, a.session.IsHost(), true)
	assert.Equal(t, a.session.RoomId(), room)

	connCounts := make(chan int, 16)
	a.session.AddConnChangeCallback(func(connCount int) {
		connCounts <- connCount
	})

	// the later claimant observes the conflict and joins as a client
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.session.Open(), nil)
	assert.Equal(t, b.session.IsHost(), false)
	assert.Equal(t, b.session.State(), SessionStateClient)
	assert.Equal(t, b.session.RoomId(), room)
	assert.Equal(t, b.session.ConnCount(), 1)

	waitFor(t, 5*time.Second, func() bool {
		return a.session.ConnCount() == 1
	})
	select {
	case connCount := <-connCounts:
		assert.Equal(t, connCount, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("missing conn change")
	}
}

func TestSessionHostElectionExclusivity(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")

	// both claim the room at the same time. exactly one wins the claim,
	// the other deterministically falls back to client mode connected to
	// the winner.
	wg := &sync.WaitGroup{}
	openErrs := make(chan error, 2)
	for _, peer := range []*testPeer{a, b} {
		wg.Add(1)
		go func(peer *testPeer) {
			defer wg.Done()
			openErrs <- peer.session.Open()
		}(peer)
	}
	wg.Wait()
	close(openErrs)
	for err := range openErrs {
		assert.Equal(t, err, nil)
	}

	hosts := 0
	clients := 0
	for _, peer := range []*testPeer{a, b} {
		switch peer.session.State() {
		case SessionStateHost:
			hosts += 1
		case SessionStateClient:
			clients += 1
			assert.Equal(t, peer.session.RoomId(), room)
			assert.Equal(t, peer.session.ConnCount(), 1)
		}
	}
	assert.Equal(t, hosts, 1)
	assert.Equal(t, clients, 1)
}

func TestSessionSnapshotCompleteness(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)

	// edits made before the client exists anywhere
	assert.Equal(t, a.docStore.SetFile("notes.md", "hello"), nil)
	assert.Equal(t, a.docStore.SetFile("todo.md", "- item"), nil)
	assert.Equal(t, a.docStore.SetFile("notes.md", "hello edited"), nil)

	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.session.Open(), nil)

	// the snapshot sent on connection open carries the full state
	waitFor(t, 10*time.Second, func() bool {
		content, exists := b.docStore.GetFile("notes.md")
		return exists && content == "hello edited"
	})
	assert.Equal(t, b.docStore.ListFiles(), a.docStore.ListFiles())
	content, _ := b.docStore.GetFile("todo.md")
	assert.Equal(t, content, "- item")
}

func TestSessionConcurrentEditConvergence(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)
	assert.Equal(t, a.docStore.SetFile("doc.md", "AAA"), nil)

	// b edits the same path from the same empty state before connecting
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.docStore.SetFile("doc.md", "BBB"), nil)
	assert.Equal(t, b.session.Open(), nil)

	// both replicas converge to the same non-empty merge
	waitFor(t, 10*time.Second, func() bool {
		aContent, aExists := a.docStore.GetFile("doc.md")
		bContent, bExists := b.docStore.GetFile("doc.md")
		return aExists && bExists && aContent == bContent && aContent != ""
	})
}

func TestSessionOfflineEditsSurviveJoin(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)
	assert.Equal(t, a.docStore.SetFile("notes.md", "from alice"), nil)

	// b creates a different file before connecting. after the join both
	// files must exist on both replicas, the host's state must not
	// displace the client's pre-join file or the other way around.
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.docStore.SetFile("doc.md", "from bob"), nil)
	assert.Equal(t, b.session.Open(), nil)

	for _, peer := range []*testPeer{a, b} {
		waitFor(t, 10*time.Second, func() bool {
			notes, notesExists := peer.docStore.GetFile("notes.md")
			doc, docExists := peer.docStore.GetFile("doc.md")
			return notesExists && notes == "from alice" &&
				docExists && doc == "from bob"
		})
		assert.Equal(t, peer.docStore.ListFiles(), []string{"doc.md", "notes.md"})
	}
}

func TestSessionHostRelay(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.session.Open(), nil)
	c := newTestPeer(t, ctx, brokerUrl, room, provider, "carol")
	assert.Equal(t, c.session.Open(), nil)

	waitFor(t, 10*time.Second, func() bool {
		return a.session.ConnCount() == 2
	})

	// b and c are not connected to each other, the host extends the star
	// to mesh-equivalent consistency
	assert.Equal(t, b.docStore.SetFile("relay.md", "through the host"), nil)
	waitFor(t, 10*time.Second, func() bool {
		content, exists := c.docStore.GetFile("relay.md")
		return exists && content == "through the host"
	})
	content, _ := a.docStore.GetFile("relay.md")
	assert.Equal(t, content, "through the host")
}

func TestSessionPresence(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	assert.Equal(t, a.session.Open(), nil)
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	assert.Equal(t, b.session.Open(), nil)
	c := newTestPeer(t, ctx, brokerUrl, room, provider, "carol")
	assert.Equal(t, c.session.Open(), nil)

	names := func(awareness *Awareness) map[string]bool {
		out := map[string]bool{}
		for _, peer := range awareness.Peers() {
			out[peer.DisplayName] = true
		}
		return out
	}
	everyone := map[string]bool{"alice": true, "bob": true, "carol": true}

	// presence reaches every peer through the host relay
	for _, peer := range []*testPeer{a, b, c} {
		waitFor(t, 10*time.Second, func() bool {
			seen := names(peer.awareness)
			return len(seen) == 3 && seen["alice"] && seen["bob"] && seen["carol"]
		})
		assert.Equal(t, names(peer.awareness), everyone)
	}

	// a focused-file change propagates with a fresh clock
	record, _ := b.awareness.LocalRecord()
	record.CurrentFileId = "notes.md"
	b.awareness.SetLocal(record)
	waitFor(t, 10*time.Second, func() bool {
		for _, peer := range a.awareness.Peers() {
			if peer.PeerId == b.clientId {
				return peer.CurrentFileId == "notes.md"
			}
		}
		return false
	})

	// when a client leaves, the host's observable list drops it
	b.session.Close()
	waitFor(t, 10*time.Second, func() bool {
		return !names(a.awareness)["bob"]
	})
}

// the first scenario of the sync design end to end: the host seeds the
// room from its directory, a joining peer's local store converges
func TestSessionBridgeEndToEnd(t *testing.T) {
	ctx, _, brokerUrl := startTestBroker(t)
	provider := NewPipeConnProvider()
	room := NewAddress()

	aStore := NewMemStore()
	assert.Equal(t, aStore.Write(ctx, "notes.md", "hello"), nil)

	a := newTestPeer(t, ctx, brokerUrl, room, provider, "alice")
	aBridge := NewBridgeWithDefaults(ctx, a.docStore, aStore)
	defer aBridge.Close()
	a.session.AddHostCallback(func() {
		aBridge.SeedFromStore()
	})
	assert.Equal(t, a.session.Open(), nil)
	assert.Equal(t, a.session.IsHost(), true)

	bStore := NewMemStore()
	b := newTestPeer(t, ctx, brokerUrl, room, provider, "bob")
	bBridge := NewBridgeWithDefaults(ctx, b.docStore, bStore)
	defer bBridge.Close()
	assert.Equal(t, b.session.Open(), nil)

	// the seeded file lands in b's local store
	waitFor(t, 10*time.Second, func() bool {
		content, err := bStore.Read(ctx, "notes.md")
		return err == nil && content == "hello"
	})

	// an edit saved on b flows back into a's local store
	assert.Equal(t, bStore.Write(ctx, "reply.md", "hi alice"), nil)
	assert.Equal(t, bBridge.OnSave("reply.md", "hi alice"), nil)
	waitFor(t, 10*time.Second, func() bool {
		content, err := aStore.Read(ctx, "reply.md")
		return err == nil && content == "hi alice"
	})
	content, err := aStore.Read(ctx, "reply.md")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "hi alice")
}
