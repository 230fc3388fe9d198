package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/core/coretest"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCodecs = []core.CodecSpec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func newManager(t *testing.T, workers ...core.Worker) *core.RoomManager {
	t.Helper()
	if len(workers) == 0 {
		workers = coretest.Workers(0)
	}
	return core.NewRoomManager(core.RoomManagerConfig{Workers: workers, Codecs: testCodecs, UsageTimeout: time.Second})
}

func newRoom(t *testing.T, name string) *core.Room {
	t.Helper()
	room, created, err := newManager(t).GetOrCreate(context.Background(), domain.RoomName(name))
	require.NoError(t, err)
	require.True(t, created)
	return room
}

func join(t *testing.T, room *core.Room, name string) *core.ClientSession {
	t.Helper()
	user, err := domain.NewUser("", name, domain.RoleCandidate)
	require.NoError(t, err)
	c := core.NewClientSession(core.SessionID("sid-"+name), domain.NewMember(user, "sid-"+name))
	_, err = room.AddMember(c)
	require.NoError(t, err)
	return c
}

// produce opens the upstream path, produces audio and video and ranks the
// audio producer the way a startProducing request does.
func produce(t *testing.T, room *core.Room, c *core.ClientSession) (audio, video core.ProducerID, plan core.Plan) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateTransport(ctx, domain.DirectionSend, "", "")
	require.NoError(t, err)
	vp, err := c.Produce(ctx, domain.KindVideo, nil)
	require.NoError(t, err)
	ap, err := c.Produce(ctx, domain.KindAudio, nil)
	require.NoError(t, err)
	plan, ok := room.AddSpeaker(c, ap.ID())
	require.True(t, ok)
	return ap.ID(), vp.ID(), plan
}

// consume builds a full receive path on c for the speaker owning audio.
func consume(t *testing.T, room *core.Room, c *core.ClientSession, audio, video core.ProducerID, unpause bool) (a, v core.Consumer) {
	t.Helper()
	ctx := context.Background()
	_, err := c.CreateTransport(ctx, domain.DirectionReceive, audio, video)
	require.NoError(t, err)
	caps := room.Router().RTPCapabilities()
	a, err = c.Consume(ctx, caps, audio, domain.KindAudio)
	require.NoError(t, err)
	v, err = c.Consume(ctx, caps, video, domain.KindVideo)
	require.NoError(t, err)
	require.True(t, a.Paused())
	require.True(t, v.Paused())
	if unpause {
		require.NoError(t, c.UnpauseConsumer(audio, domain.KindAudio))
		require.NoError(t, c.UnpauseConsumer(video, domain.KindVideo))
	}
	return a, v
}

func producerOf(t *testing.T, room *core.Room, pid core.ProducerID) *coretest.Producer {
	t.Helper()
	p, ok := room.Router().(*coretest.Router).Producer(pid)
	require.True(t, ok, "producer %s", pid)
	return p
}

func TestNewProducerAppendsBehindExistingSpeakers(t *testing.T) {
	room := newRoom(t, "R1")
	a := join(t, room, "A")
	a1, _, plan := produce(t, room, a)
	assert.Equal(t, []core.ProducerID{a1}, room.Ranking())
	assert.Equal(t, []core.ProducerID{a1}, plan.Visible)
	assert.Empty(t, plan.Builds)

	user, err := domain.NewUser("", "B", domain.RoleCandidate)
	require.NoError(t, err)
	b := core.NewClientSession("sid-B", domain.NewMember(user, "sid-B"))
	existing, err := room.AddMember(b)
	require.NoError(t, err)
	assert.Equal(t, []core.ProducerID{a1}, existing)

	a2, _, plan := produce(t, room, b)
	assert.Equal(t, []core.ProducerID{a1, a2}, room.Ranking())
	assert.Equal(t, []core.ProducerID{a2}, plan.Builds[a.ID()])
	assert.NotContains(t, plan.Builds, b.ID(), "b learned about a1 when joining")

	plan, ok := room.PromoteSpeaker(a2)
	require.True(t, ok)
	assert.Equal(t, []core.ProducerID{a2, a1}, room.Ranking())
	assert.Equal(t, []core.ProducerID{a2, a1}, plan.Visible)
}

func TestSixthSpeakerIsHiddenAndPaused(t *testing.T) {
	room := newRoom(t, "six")
	var ids []core.ProducerID
	var clients []*core.ClientSession
	for _, n := range []string{"a", "b", "c", "d", "e", "f"} {
		c := join(t, room, n)
		pid, _, _ := produce(t, room, c)
		ids = append(ids, pid)
		clients = append(clients, c)
	}
	assert.Equal(t, ids, room.Ranking())
	assert.Equal(t, ids[:5], room.Visible())

	f := clients[5]
	assert.True(t, producerOf(t, room, f.AudioProducerID()).Paused())
	assert.True(t, producerOf(t, room, f.VideoProducerID()).Paused())
	for _, c := range clients[:5] {
		assert.False(t, producerOf(t, room, c.AudioProducerID()).Paused())
	}

	// Once f becomes dominant, e drops out of the visible set.
	plan, ok := room.PromoteSpeaker(ids[5])
	require.True(t, ok)
	assert.Equal(t, []core.ProducerID{ids[5], ids[0], ids[1], ids[2], ids[3]}, plan.Visible)
	assert.False(t, producerOf(t, room, ids[5]).Paused())
	assert.True(t, producerOf(t, room, ids[4]).Paused())
	for _, m := range plan.Members {
		for _, pid := range plan.Builds[m] {
			assert.Contains(t, plan.Visible, pid)
		}
	}
}

func TestHiddenConsumersPauseAndResume(t *testing.T) {
	room := newRoom(t, "pause")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	produce(t, room, y)
	ca, cv := consume(t, room, y, xa, xv, true)
	assert.False(t, ca.Paused())
	assert.False(t, cv.Paused())

	var others []core.ProducerID
	for i := 0; i < 5; i++ {
		c := join(t, room, fmt.Sprintf("o%d", i))
		pid, _, _ := produce(t, room, c)
		others = append(others, pid)
	}
	for _, pid := range others {
		_, ok := room.PromoteSpeaker(pid)
		require.True(t, ok)
	}
	require.NotContains(t, room.Visible(), xa)
	assert.True(t, ca.Paused())
	assert.True(t, cv.Paused())
	assert.False(t, ca.(*coretest.Consumer).IsClosed(), "hidden consumers stay allocated")

	plan, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.False(t, ca.Paused())
	assert.False(t, cv.Paused())
	assert.NotContains(t, plan.Builds[y.ID()], xa)
}

func TestReconcileDoesNotUnpauseFreshConsumer(t *testing.T) {
	room := newRoom(t, "fresh")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ca, cv := consume(t, room, y, xa, xv, false)

	_, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.True(t, ca.Paused())
	assert.True(t, cv.Paused())

	require.NoError(t, y.UnpauseConsumer(xa, domain.KindAudio))
	assert.False(t, ca.Paused())
	assert.True(t, cv.Paused())
}

func TestUserMuteSurvivesVisibilityResume(t *testing.T) {
	room := newRoom(t, "mute")
	x := join(t, room, "x")
	xa, _, _ := produce(t, room, x)
	require.NoError(t, x.SetAudioEnabled(false))

	_, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.True(t, producerOf(t, room, xa).Paused())
	assert.False(t, producerOf(t, room, x.VideoProducerID()).Paused())

	require.NoError(t, x.SetAudioEnabled(true))
	assert.False(t, producerOf(t, room, xa).Paused())
}

func TestRemoveHiddenMember(t *testing.T) {
	room := newRoom(t, "leave")
	other := newRoom(t, "other")
	o := join(t, other, "o")
	op, _, _ := produce(t, other, o)

	var ids []core.ProducerID
	var clients []*core.ClientSession
	for i := 0; i < 7; i++ {
		c := join(t, room, fmt.Sprintf("c%d", i))
		pid, _, _ := produce(t, room, c)
		ids = append(ids, pid)
		clients = append(clients, c)
	}
	gone := clients[5]
	a3 := ids[5]

	removed, plan, ok := room.RemoveMember(gone.ID())
	require.True(t, ok)
	assert.Same(t, gone, removed)
	assert.NotContains(t, room.Ranking(), a3)
	assert.NotContains(t, plan.Members, gone.ID())
	assert.Len(t, room.Ranking(), 6)
	assert.Equal(t, 6, room.MemberCount())
	assert.True(t, gone.Closed())

	// Later events never target the departed producer.
	_, ok = room.PromoteSpeaker(a3)
	assert.False(t, ok)
	for _, pid := range ids[:5] {
		plan, ok := room.PromoteSpeaker(pid)
		require.True(t, ok)
		assert.NotContains(t, plan.Visible, a3)
		for _, builds := range plan.Builds {
			assert.NotContains(t, builds, a3)
		}
	}

	_, _, ok = room.RemoveMember(gone.ID())
	assert.False(t, ok)
	assert.Equal(t, []core.ProducerID{op}, other.Ranking())
}

func TestLateSpeakerAfterLeaveIsIgnored(t *testing.T) {
	room := newRoom(t, "late")
	c := join(t, room, "c")
	_, err := c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
	require.NoError(t, err)
	p, err := c.Produce(context.Background(), domain.KindAudio, nil)
	require.NoError(t, err)

	room.RemoveMember(c.ID())
	_, ok := room.AddSpeaker(c, p.ID())
	assert.False(t, ok)
	assert.Empty(t, room.Ranking())
}

func TestPromoteIgnoresUnknownProducer(t *testing.T) {
	room := newRoom(t, "unknown")
	_, ok := room.PromoteSpeaker("")
	assert.False(t, ok)
	_, ok = room.PromoteSpeaker("nobody")
	assert.False(t, ok)
	assert.Empty(t, room.Ranking())
}

func TestConcurrentTriggersKeepRankingConsistent(t *testing.T) {
	room := newRoom(t, "race")
	var clients []*core.ClientSession
	var ids []core.ProducerID
	for i := 0; i < 8; i++ {
		c := join(t, room, fmt.Sprintf("c%d", i))
		_, err := c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
		require.NoError(t, err)
		p, err := c.Produce(context.Background(), domain.KindAudio, nil)
		require.NoError(t, err)
		clients = append(clients, c)
		ids = append(ids, p.ID())
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(2)
		go func() {
			defer wg.Done()
			room.AddSpeaker(c, ids[i])
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				room.PromoteSpeaker(ids[(i+j)%len(ids)])
			}
		}()
	}
	wg.Wait()

	ranking := room.Ranking()
	assert.ElementsMatch(t, ids, ranking)
	seen := map[core.ProducerID]bool{}
	for _, id := range ranking {
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestGetOrCreateRaceBuildsOneRouter(t *testing.T) {
	w := coretest.NewWorker(0, 0)
	m := newManager(t, w)

	const n = 32
	var wg sync.WaitGroup
	rooms := make([]*core.Room, n)
	created := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, c, err := m.GetOrCreate(context.Background(), "same")
			assert.NoError(t, err)
			rooms[i], created[i] = r, c
		}()
	}
	wg.Wait()

	count := 0
	for i := range rooms {
		assert.Same(t, rooms[0], rooms[i])
		if created[i] {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 1, w.Routers.Load())
	assert.Equal(t, core.SpeakerInterval, rooms[0].Router().(*coretest.Router).Observer.Interval)
}

func TestGetOrCreateFailureLeavesNoRoom(t *testing.T) {
	w := coretest.NewWorker(0, 0)
	w.RouterErr = coretest.ErrInjected
	m := newManager(t, w)

	_, _, err := m.GetOrCreate(context.Background(), "broken")
	require.ErrorIs(t, err, core.ErrRoomUnavailable)
	_, ok := m.Get("broken")
	assert.False(t, ok)

	w.RouterErr = nil
	_, created, err := m.GetOrCreate(context.Background(), "broken")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRoomsUseLeastLoadedWorker(t *testing.T) {
	busy := coretest.NewWorker(0, time.Hour)
	idle := coretest.NewWorker(1, time.Second)
	m := newManager(t, busy, idle)
	r, _, err := m.GetOrCreate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Worker().ID())
}

func TestDominanceCallbackReachesRoom(t *testing.T) {
	m := newManager(t)
	got := make(chan core.ProducerID, 1)
	m.OnDominantSpeaker(func(r *core.Room, pid core.ProducerID) {
		assert.Equal(t, domain.RoomName("dom"), r.Name())
		got <- pid
	})
	r, _, err := m.GetOrCreate(context.Background(), "dom")
	require.NoError(t, err)
	r.Router().(*coretest.Router).Observer.Emit("p1")
	select {
	case pid := <-got:
		assert.Equal(t, core.ProducerID("p1"), pid)
	case <-time.After(time.Second):
		t.Fatal("dominance callback not invoked")
	}
}

func TestStopRoomIfEmpty(t *testing.T) {
	m := newManager(t)
	r, _, err := m.GetOrCreate(context.Background(), "reap")
	require.NoError(t, err)
	c := join(t, r, "c")

	assert.False(t, m.StopRoomIfEmpty("reap"))
	r.RemoveMember(c.ID())
	assert.True(t, m.StopRoomIfEmpty("reap"))
	assert.True(t, r.Router().(*coretest.Router).Closed())
	_, err = r.AddMember(c)
	assert.ErrorIs(t, err, core.ErrRoomUnavailable)
	assert.Empty(t, m.List())
}

func TestSpeakersResolveOwners(t *testing.T) {
	room := newRoom(t, "info")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	info := room.Speakers([]core.ProducerID{xa, "ghost"})
	require.Len(t, info, 2)
	assert.Equal(t, xv, info[0].VideoProducerID)
	assert.Equal(t, "x", info[0].Username)
	assert.Equal(t, domain.RoleCandidate, info[0].Role)
	assert.Equal(t, x.ID(), info[0].SessionID)
	assert.Empty(t, info[1].Username)
}

func TestUnpauseOfHiddenSpeakerWaitsForVisibility(t *testing.T) {
	room := newRoom(t, "deferred")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ca, cv := consume(t, room, y, xa, xv, false)

	for i := 0; i < 5; i++ {
		c := join(t, room, fmt.Sprintf("o%d", i))
		pid, _, _ := produce(t, room, c)
		_, ok := room.PromoteSpeaker(pid)
		require.True(t, ok)
	}
	require.NotContains(t, room.Visible(), xa)

	require.NoError(t, room.UnpauseConsumer(y, xa, domain.KindAudio))
	require.NoError(t, room.UnpauseConsumer(y, xv, domain.KindVideo))
	assert.True(t, ca.Paused())
	assert.True(t, cv.Paused())

	_, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.False(t, ca.Paused())
	assert.False(t, cv.Paused())

	assert.ErrorIs(t, room.UnpauseConsumer(y, "nope", domain.KindAudio), core.ErrConsumerNotFound)
}

func TestRefreshPausesLateVideoOfHiddenSpeaker(t *testing.T) {
	room := newRoom(t, "refresh")
	var hidden *core.ClientSession
	for i := 0; i < 6; i++ {
		c := join(t, room, fmt.Sprintf("c%d", i))
		_, err := c.CreateTransport(context.Background(), domain.DirectionSend, "", "")
		require.NoError(t, err)
		ap, err := c.Produce(context.Background(), domain.KindAudio, nil)
		require.NoError(t, err)
		_, ok := room.AddSpeaker(c, ap.ID())
		require.True(t, ok)
		hidden = c
	}
	vp, err := hidden.Produce(context.Background(), domain.KindVideo, nil)
	require.NoError(t, err)
	assert.False(t, vp.Paused())

	room.Refresh()
	assert.True(t, vp.Paused())
}

func TestUnmuteOfHiddenSpeakerIsDeferred(t *testing.T) {
	room := newRoom(t, "hold")
	var last *core.ClientSession
	for i := 0; i < 6; i++ {
		last = join(t, room, fmt.Sprintf("c%d", i))
		produce(t, room, last)
	}
	a := last.AudioProducerID()
	require.NotContains(t, room.Visible(), a)

	require.NoError(t, room.SetMediaEnabled(last, domain.KindAudio, false))
	require.NoError(t, room.SetMediaEnabled(last, domain.KindAudio, true))
	assert.True(t, producerOf(t, room, a).Paused())
	assert.False(t, last.Member().AudioMuted)

	_, ok := room.PromoteSpeaker(a)
	require.True(t, ok)
	assert.False(t, producerOf(t, room, a).Paused())
}

func TestPlanSequenceOrdersBroadcasts(t *testing.T) {
	room := newRoom(t, "seq")
	first := room.Refresh()
	second := room.Refresh()
	assert.Greater(t, second.Seq, first.Seq)
	assert.True(t, room.ClaimBroadcast(second.Seq))
	assert.False(t, room.ClaimBroadcast(first.Seq))
	assert.False(t, room.ClaimBroadcast(second.Seq))
}

func TestSpeakerIsAnnouncedOncePerMember(t *testing.T) {
	room := newRoom(t, "once")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ya, _, plan := produce(t, room, y)
	assert.Equal(t, []core.ProducerID{ya}, plan.Builds[x.ID()])

	// x has not built its path for ya yet; a repeated pass must not ask again.
	plan, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.NotContains(t, plan.Builds, x.ID())

	_, err := x.CreateTransport(context.Background(), domain.DirectionReceive, ya, "")
	require.NoError(t, err)
	assert.True(t, x.HasDownstream(ya))
	consume(t, room, y, xa, xv, true)
	plan = room.Refresh()
	assert.Empty(t, plan.Builds)
}

func TestRemovedSpeakerPathsAreClosed(t *testing.T) {
	room := newRoom(t, "paths")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ca, cv := consume(t, room, y, xa, xv, true)
	require.True(t, y.HasDownstream(xa))

	room.RemoveMember(x.ID())
	assert.False(t, y.HasDownstream(xa))
	assert.True(t, ca.(*coretest.Consumer).IsClosed())
	assert.True(t, cv.(*coretest.Consumer).IsClosed())
}

func TestFailedReceivePathIsAnnouncedAgain(t *testing.T) {
	room := newRoom(t, "retry")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	router := room.Router().(*coretest.Router)

	router.TransportErr = coretest.ErrInjected
	_, err := y.CreateTransport(context.Background(), domain.DirectionReceive, xa, xv)
	require.ErrorIs(t, err, coretest.ErrInjected)
	router.TransportErr = nil

	plan, ok := room.PromoteSpeaker(xa)
	require.True(t, ok)
	assert.False(t, y.HasDownstream(xa))
	assert.Equal(t, []core.ProducerID{xa}, plan.Builds[y.ID()])
}

func TestFailedConsumeOnFreshPathIsAnnouncedAgain(t *testing.T) {
	room := newRoom(t, "reconsume")
	x := join(t, room, "x")
	xa, xv, _ := produce(t, room, x)
	y := join(t, room, "y")
	ctx := context.Background()

	_, err := y.CreateTransport(ctx, domain.DirectionReceive, xa, xv)
	require.NoError(t, err)
	router := room.Router().(*coretest.Router)
	router.Transports[len(router.Transports)-1].ConsumeErr = coretest.ErrInjected
	_, err = y.Consume(ctx, room.Router().RTPCapabilities(), xa, domain.KindAudio)
	require.ErrorIs(t, err, coretest.ErrInjected)
	assert.False(t, y.HasDownstream(xa))

	plan := room.Refresh()
	assert.Equal(t, []core.ProducerID{xa}, plan.Builds[y.ID()])

	// The rebuilt path is announced once again.
	consume(t, room, y, xa, xv, true)
	assert.Empty(t, room.Refresh().Builds)
}

func TestReapingNeverStrandsJoiningMember(t *testing.T) {
	user, err := domain.NewUser("", "late", domain.RoleCandidate)
	require.NoError(t, err)
	for i := range 200 {
		m := newManager(t)
		r, _, err := m.GetOrCreate(context.Background(), "race")
		require.NoError(t, err)
		sid := core.SessionID(fmt.Sprintf("sid-%d", i))
		c := core.NewClientSession(sid, domain.NewMember(user, string(sid)))

		var (
			wg     sync.WaitGroup
			addErr error
			reaped bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, addErr = r.AddMember(c)
		}()
		go func() {
			defer wg.Done()
			reaped = m.StopRoomIfEmpty("race")
		}()
		wg.Wait()

		if addErr == nil {
			require.False(t, reaped, "room reaped under a joined member")
			got, ok := m.Get("race")
			require.True(t, ok)
			require.Same(t, r, got)
			require.False(t, r.Router().(*coretest.Router).Closed())
		} else {
			require.ErrorIs(t, addErr, core.ErrRoomUnavailable)
			require.True(t, reaped)
			_, ok := m.Get("race")
			require.False(t, ok)
		}
	}
}
