package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"senvo/backend/internal/logging"
	"senvo/backend/internal/models"
	"senvo/backend/internal/storage"
	"senvo/backend/internal/storage/storagetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type joinResult struct {
	match *MatchResult
	err   error
}

func newCoordinator(store storage.Store, user string, opts Options) *Coordinator {
	return NewCoordinator(store, StaticIdentity(user), opts, logging.Discard())
}

func joinAsync(ctx context.Context, c *Coordinator, mode models.Mode) <-chan joinResult {
	out := make(chan joinResult, 1)
	go func() {
		m, err := c.JoinQueue(ctx, mode)
		out <- joinResult{m, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan joinResult) joinResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("JoinQueue did not return")
	}
	return joinResult{}
}

func waitForEntries(t *testing.T, store storage.Store, status models.QueueStatus, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		entries, err := store.ListQueueEntries(context.Background())
		if err != nil {
			return false
		}
		count := 0
		for _, e := range entries {
			if e.Status == status {
				count++
			}
		}
		return count == n
	}, 2*time.Second, 5*time.Millisecond)
}

// assertRoomInvariant checks that every room has exactly two matched entries
// that reference each other.
func assertRoomInvariant(t *testing.T, store storage.Store) {
	t.Helper()
	entries, err := store.ListQueueEntries(context.Background())
	require.NoError(t, err)

	rooms := map[string][]models.QueueEntry{}
	for _, e := range entries {
		if e.Status == models.StatusWaiting {
			assert.Nil(t, e.RoomID)
			assert.Nil(t, e.MatchedWith)
			continue
		}
		require.True(t, e.IsMatched(), "matched entry %s is incomplete", e.ID)
		rooms[e.Room()] = append(rooms[e.Room()], e)
	}
	for room, members := range rooms {
		require.Len(t, members, 2, "room %s", room)
		assert.Equal(t, members[0].ID, members[1].Partner())
		assert.Equal(t, members[1].ID, members[0].Partner())
		assert.NotEqual(t, members[0].UserID, members[1].UserID)
	}
}

func TestJoinQueue_SecondJoinerClaimsFirst(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	alice := newCoordinator(store, "alice", Options{})
	bob := newCoordinator(store, "bob", Options{})

	aliceCh := joinAsync(ctx, alice, models.ModeVideo)
	waitForEntries(t, store, models.StatusWaiting, 1)

	bobMatch, err := bob.JoinQueue(ctx, models.ModeVideo)
	require.NoError(t, err)
	assert.Equal(t, "alice", bobMatch.PeerID)
	assert.Equal(t, "bob", bobMatch.SelfID)

	res := await(t, aliceCh)
	require.NoError(t, res.err)
	assert.Equal(t, bobMatch.RoomID, res.match.RoomID)
	assert.Equal(t, "bob", res.match.PeerID)
	assert.Equal(t, bobMatch.EntryID, res.match.PeerEntryID)
	assert.Equal(t, res.match.EntryID, bobMatch.PeerEntryID)

	assertRoomInvariant(t, store)
}

func TestJoinQueue_ModesDoNotMix(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	text := newCoordinator(store, "alice", Options{})
	textCh := joinAsync(ctx, text, models.ModeText)
	waitForEntries(t, store, models.StatusWaiting, 1)

	voice := newCoordinator(store, "bob", Options{MaxWait: 50 * time.Millisecond})
	_, err := voice.JoinQueue(ctx, models.ModeVoice)
	assert.ErrorIs(t, err, ErrSearchTimeout)

	require.NoError(t, text.LeaveQueue(ctx))
	assert.ErrorIs(t, await(t, textCh).err, ErrLeftQueue)
}

func TestJoinQueue_NeverMatchesSelf(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	first := newCoordinator(store, "same", Options{})
	firstCh := joinAsync(ctx, first, models.ModeText)
	waitForEntries(t, store, models.StatusWaiting, 1)

	// A second tab of the same session must not pair with itself.
	second := newCoordinator(store, "same", Options{MaxWait: 50 * time.Millisecond})
	_, err := second.JoinQueue(ctx, models.ModeText)
	assert.ErrorIs(t, err, ErrSearchTimeout)

	require.NoError(t, first.LeaveQueue(ctx))
	await(t, firstCh)
}

func TestJoinQueue_InvalidMode(t *testing.T) {
	c := newCoordinator(storage.NewMemoryStore(), "alice", Options{})
	_, err := c.JoinQueue(context.Background(), models.Mode("hologram"))
	assert.Error(t, err)
}

// racingStore makes two searchers observe the same candidate before either
// claims it.
type racingStore struct {
	*storage.MemoryStore
	barrier sync.WaitGroup
	racers  map[string]bool
}

func (s *racingStore) FindOldestWaiting(ctx context.Context, mode models.Mode, exclude string, fresh time.Time) (*models.QueueEntry, error) {
	entry, err := s.MemoryStore.FindOldestWaiting(ctx, mode, exclude, fresh)
	if s.racers[exclude] {
		s.barrier.Done()
		s.barrier.Wait()
	}
	return entry, err
}

func TestJoinQueue_RaceHasExactlyOneWinner(t *testing.T) {
	store := &racingStore{MemoryStore: storage.NewMemoryStore(), racers: map[string]bool{"bob": true, "carol": true}}
	store.barrier.Add(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newCoordinator(store, "alice", Options{})
	aliceCh := joinAsync(ctx, alice, models.ModeVideo)
	waitForEntries(t, store, models.StatusWaiting, 1)

	bob := newCoordinator(store, "bob", Options{})
	carol := newCoordinator(store, "carol", Options{})
	bobCh := joinAsync(ctx, bob, models.ModeVideo)
	carolCh := joinAsync(ctx, carol, models.ModeVideo)

	aliceRes := await(t, aliceCh)
	require.NoError(t, aliceRes.err)

	var winner joinResult
	var loserCh <-chan joinResult
	select {
	case winner = <-bobCh:
		loserCh = carolCh
	case winner = <-carolCh:
		loserCh = bobCh
	case <-time.After(2 * time.Second):
		t.Fatal("no racer matched")
	}
	require.NoError(t, winner.err)
	assert.Equal(t, "alice", winner.match.PeerID)
	assert.Equal(t, aliceRes.match.RoomID, winner.match.RoomID)

	// The loser fell back to waiting and holds no room.
	waitForEntries(t, store, models.StatusWaiting, 1)
	waitForEntries(t, store, models.StatusMatched, 2)
	assertRoomInvariant(t, store)

	select {
	case r := <-loserCh:
		t.Fatalf("loser should still be waiting, got %+v", r)
	default:
	}

	cancel()
	loser := await(t, loserCh)
	assert.ErrorIs(t, loser.err, context.Canceled)
	waitForEntries(t, store, models.StatusWaiting, 0)
}

func TestJoinQueue_ConcurrentJoinersFormWholeRooms(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	const n = 12
	results := make([]joinResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newCoordinator(store, fmt.Sprintf("user-%02d", i), Options{
				MaxWait:   time.Second,
				Heartbeat: 20 * time.Millisecond,
			})
			m, err := c.JoinQueue(ctx, models.ModeText)
			results[i] = joinResult{m, err}
		}(i)
	}
	wg.Wait()

	rooms := map[string][]*MatchResult{}
	for i, r := range results {
		require.NoError(t, r.err, "user-%02d was left without a partner", i)
		rooms[r.match.RoomID] = append(rooms[r.match.RoomID], r.match)
	}
	assert.Len(t, rooms, n/2)
	for room, members := range rooms {
		require.Len(t, members, 2, "room %s", room)
		assert.Equal(t, members[0].SelfID, members[1].PeerID)
		assert.Equal(t, members[1].SelfID, members[0].PeerID)
	}
	assertRoomInvariant(t, store)
}

// missingStore makes the first n lookups find nothing, after all n callers
// reached the lookup. It reproduces joiners that query before either inserts.
type missingStore struct {
	*storage.MemoryStore
	barrier sync.WaitGroup
	calls   atomic.Int32
	n       int32
}

func newMissingStore(n int) *missingStore {
	s := &missingStore{MemoryStore: storage.NewMemoryStore(), n: int32(n)}
	s.barrier.Add(n)
	return s
}

func (s *missingStore) FindOldestWaiting(ctx context.Context, mode models.Mode, excludeUserID string, freshAfter time.Time) (*models.QueueEntry, error) {
	if s.calls.Add(1) <= s.n {
		s.barrier.Done()
		s.barrier.Wait()
		return nil, nil
	}
	return s.MemoryStore.FindOldestWaiting(ctx, mode, excludeUserID, freshAfter)
}

func TestJoinQueue_JoinersThatMissEachOtherStillPair(t *testing.T) {
	store := newMissingStore(2)
	ctx := context.Background()
	opts := Options{MaxWait: 300 * time.Millisecond}

	aCh := joinAsync(ctx, newCoordinator(store, "A", opts), models.ModeVideo)
	bCh := joinAsync(ctx, newCoordinator(store, "B", opts), models.ModeVideo)

	a, b := await(t, aCh), await(t, bCh)
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, a.match.RoomID, b.match.RoomID)
	assert.Equal(t, "B", a.match.PeerID)
	assert.Equal(t, "A", b.match.PeerID)
	assert.Equal(t, a.match.EntryID, b.match.PeerEntryID)
	assert.Equal(t, b.match.EntryID, a.match.PeerEntryID)

	waitForEntries(t, store, models.StatusMatched, 2)
	assertRoomInvariant(t, store)
}

func TestQueuedBefore(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	older := &models.QueueEntry{ID: "b", CreatedAt: base}
	younger := &models.QueueEntry{ID: "a", CreatedAt: base.Add(time.Millisecond)}
	assert.True(t, queuedBefore(older, younger))
	assert.False(t, queuedBefore(younger, older))

	// Below the store's precision the id decides.
	sameA := &models.QueueEntry{ID: "a", CreatedAt: base.Add(100 * time.Nanosecond)}
	sameB := &models.QueueEntry{ID: "b", CreatedAt: base}
	assert.True(t, queuedBefore(sameA, sameB))
	assert.False(t, queuedBefore(sameB, sameA))
}

// slowPeerStore delays committing the claimer's own row so the waiter sees
// the claim before the partner entry exists.
type slowPeerStore struct {
	*storage.MemoryStore
}

func (s *slowPeerStore) InsertQueueEntry(ctx context.Context, entry *models.QueueEntry) error {
	if entry.Status == models.StatusMatched {
		time.Sleep(50 * time.Millisecond)
	}
	return s.MemoryStore.InsertQueueEntry(ctx, entry)
}

func TestJoinQueue_WaiterResolvesLateClaimer(t *testing.T) {
	store := &slowPeerStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()

	alice := newCoordinator(store, "alice", Options{})
	aliceCh := joinAsync(ctx, alice, models.ModeVoice)
	waitForEntries(t, store, models.StatusWaiting, 1)

	bob := newCoordinator(store, "bob", Options{})
	bobMatch, err := bob.JoinQueue(ctx, models.ModeVoice)
	require.NoError(t, err)

	res := await(t, aliceCh)
	require.NoError(t, res.err)
	assert.Equal(t, "bob", res.match.PeerID)
	assert.Equal(t, bobMatch.RoomID, res.match.RoomID)
}

func TestJoinQueue_ReleasesCandidateWhenOwnInsertFails(t *testing.T) {
	store := new(storagetest.MockStore)
	candidate := &models.QueueEntry{ID: "cand", UserID: "alice", Mode: models.ModeText, Status: models.StatusWaiting}
	insertErr := &storage.OpError{Op: "insert queue entry", Err: errors.New("connection reset")}

	store.On("FindOldestWaiting", mock.Anything, models.ModeText, "bob", mock.Anything).Return(candidate, nil)
	store.On("ClaimQueueEntry", mock.Anything, "cand", mock.AnythingOfType("string"), mock.AnythingOfType("string")).Return(true, nil)
	store.On("InsertQueueEntry", mock.Anything, mock.MatchedBy(func(e *models.QueueEntry) bool {
		return e.Status == models.StatusMatched && e.Partner() == "cand"
	})).Return(insertErr)
	store.On("ReleaseQueueEntry", mock.Anything, "cand", mock.AnythingOfType("string")).Return(true, nil)

	bob := newCoordinator(store, "bob", Options{})
	_, err := bob.JoinQueue(context.Background(), models.ModeText)

	var opErr *storage.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "insert queue entry", opErr.Op)
	assert.Empty(t, bob.EntryID())
	store.AssertExpectations(t)

	// The release must name the same entry id that was written by the claim.
	claimedWith := store.Calls[1].Arguments.String(2)
	releasedWith := store.Calls[3].Arguments.String(2)
	assert.Equal(t, claimedWith, releasedWith)
}

func TestJoinQueue_StoreErrorSurfaces(t *testing.T) {
	store := new(storagetest.MockStore)
	boom := &storage.OpError{Op: "find waiting entry", Err: errors.New("timeout")}
	store.On("FindOldestWaiting", mock.Anything, models.ModeVideo, "bob", mock.Anything).Return(nil, boom)

	_, err := newCoordinator(store, "bob", Options{}).JoinQueue(context.Background(), models.ModeVideo)
	assert.ErrorIs(t, err, boom)
}

func TestJoinQueue_Timeout(t *testing.T) {
	store := storage.NewMemoryStore()
	c := newCoordinator(store, "alice", Options{MaxWait: 30 * time.Millisecond})

	_, err := c.JoinQueue(context.Background(), models.ModeVideo)
	assert.ErrorIs(t, err, ErrSearchTimeout)
	assert.Empty(t, c.EntryID())

	entries, err := store.ListQueueEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJoinQueue_AlreadyQueued(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	c := newCoordinator(store, "alice", Options{})

	ch := joinAsync(ctx, c, models.ModeText)
	waitForEntries(t, store, models.StatusWaiting, 1)

	_, err := c.JoinQueue(ctx, models.ModeText)
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	require.NoError(t, c.LeaveQueue(ctx))
	await(t, ch)
}

func TestLeaveQueue_Idempotent(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	c := newCoordinator(store, "alice", Options{})

	assert.NoError(t, c.LeaveQueue(ctx), "leave without entry")

	ch := joinAsync(ctx, c, models.ModeText)
	waitForEntries(t, store, models.StatusWaiting, 1)

	assert.NoError(t, c.LeaveQueue(ctx))
	assert.NoError(t, c.LeaveQueue(ctx))
	assert.ErrorIs(t, await(t, ch).err, ErrLeftQueue)

	entries, err := store.ListQueueEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHeartbeat_RefreshesAndDetectsRemoval(t *testing.T) {
	store := storage.NewMemoryStore()
	var touched atomic.Int32
	base := time.Now()
	store.Now = func() time.Time { return base.Add(time.Duration(touched.Add(1)) * time.Second) }

	ctx := context.Background()
	c := newCoordinator(store, "alice", Options{Heartbeat: 5 * time.Millisecond})
	ch := joinAsync(ctx, c, models.ModeText)
	waitForEntries(t, store, models.StatusWaiting, 1)

	entryID := c.EntryID()
	first, err := store.GetQueueEntry(ctx, entryID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		e, err := store.GetQueueEntry(ctx, entryID)
		return err == nil && e.UpdatedAt.After(first.UpdatedAt)
	}, time.Second, 5*time.Millisecond)

	// Simulate the reaper removing the entry.
	require.NoError(t, store.DeleteQueueEntry(ctx, entryID))
	assert.ErrorIs(t, await(t, ch).err, ErrEntryRemoved)
}

func TestWatchPeer(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := newCoordinator(store, "alice", Options{})
	bob := newCoordinator(store, "bob", Options{})
	aliceCh := joinAsync(ctx, alice, models.ModeVideo)
	waitForEntries(t, store, models.StatusWaiting, 1)
	_, err := bob.JoinQueue(ctx, models.ModeVideo)
	require.NoError(t, err)
	aliceMatch := await(t, aliceCh).match

	left, err := alice.WatchPeer(ctx, aliceMatch)
	require.NoError(t, err)

	select {
	case <-left:
		t.Fatal("peer reported gone too early")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, bob.LeaveQueue(ctx))
	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("peer departure not observed")
	}

	// Already gone before watching starts.
	gone, err := alice.WatchPeer(ctx, aliceMatch)
	require.NoError(t, err)
	_, open := <-gone
	assert.False(t, open)
}
