package listener

import (
	"bufio"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/metrics"
	"github.com/zilstream/grants-indexer/internal/modules/allov1"
	"github.com/zilstream/grants-indexer/internal/modules/core"
	"github.com/zilstream/grants-indexer/internal/modules/core/coretest"
	"github.com/zilstream/grants-indexer/internal/subscriptions"
)

const (
	chainID  = 10
	registry = "0x8e1bd5da87c14dd8e08f7ecc2aba9d8d77b9e4e0"
	factory  = "0x04e753cfb8c8d1d7f776f7d7a033740961b6aec2"
	round    = "0x5a4e2f1c0e2d4c6b8a0f1e3d5c7b9a1f2e4d6c8b"
	strategy = "0x7b9a1f2e4d6c8b5a4e2f1c0e2d4c6b8a0f1e3d5c"
	dai      = "0xda10009cbd5d07dd0cecc66161fc93d7c9000da1"
	unpriced = "0x9999999999999999999999999999999999999999"
	owner    = "0x1111111111111111111111111111111111111111"
	voter    = "0x3333333333333333333333333333333333333333"
	grantee  = "0x4444444444444444444444444444444444444444"
)

var (
	ether   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	project = common.HexToHash("0xabc1")

	static = []changeset.Subscription{
		{ContractName: allov1.ProjectRegistry, Version: allov1.V2, Address: registry, FromBlock: 1},
		{ContractName: allov1.RoundFactory, Version: allov1.V2, Address: factory, FromBlock: 1},
	}
)

type logsCall struct {
	Addresses []string
	From, To  uint64
}

type fakeSource struct {
	mu    sync.Mutex
	head  uint64
	logs  []types.Log
	calls []logsCall
	fail  error
	// failOn limits fail to calls that include this address.
	failOn string
}

func (s *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, nil
}

func (s *fakeSource) Logs(ctx context.Context, addresses []string, from, to uint64) ([]types.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, logsCall{Addresses: addresses, From: from, To: to})
	if s.fail != nil && (s.failOn == "" || slices.Contains(addresses, s.failOn)) {
		return nil, s.fail
	}
	wanted := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		wanted[strings.ToLower(a)] = true
	}
	var out []types.Log
	for _, l := range s.logs {
		if wanted[strings.ToLower(l.Address.Hex())] && l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeSource) add(logs ...types.Log) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
}

func (s *fakeSource) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *fakeSource) recorded() []logsCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logsCall(nil), s.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	rounds []string
	block  uint64
}

func (n *recordingNotifier) RoundsChanged(chainID int64, block uint64, roundIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rounds = append(n.rounds, roundIDs...)
	n.block = block
}

func eth(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), ether) }

func newHarness(t *testing.T) *coretest.Harness {
	h := coretest.New(t, chainID, allov1.Register)
	h.Prices.Set(dai, 18, "1")

	h.Contracts.Set(round, "token", common.HexToAddress(dai))
	h.Contracts.Set(round, "matchAmount", eth(1000))
	h.Contracts.Set(round, "applicationsStartTime", big.NewInt(1700000000))
	h.Contracts.Set(round, "applicationsEndTime", big.NewInt(1700100000))
	h.Contracts.Set(round, "roundStartTime", big.NewInt(1700200000))
	h.Contracts.Set(round, "roundEndTime", big.NewInt(1700300000))
	h.Contracts.Set(round, "roundMetaPtr", big.NewInt(1), "round-cid")
	h.Contracts.Set(round, "applicationMetaPtr", big.NewInt(1), "application-cid")
	h.Contracts.Set(round, "votingStrategy", common.HexToAddress(strategy))
	h.Metadata.Set("round-cid", `{"name":"Climate Round"}`)
	return h
}

// seed publishes a project, a round with one application and two votes, the
// second in a token without a price.
func seed(h *coretest.Harness, src *fakeSource) {
	vote := func(block uint64, token string) types.Log {
		return h.Log(allov1.VotingStrategy, allov1.V2, strategy, "Voted", block,
			common.HexToAddress(token), eth(2), common.HexToAddress(voter), common.HexToAddress(grantee),
			coretest.Hash32(project.Hex()), big.NewInt(0), common.HexToAddress(round))
	}
	src.add(
		h.Log(allov1.ProjectRegistry, allov1.V2, registry, "ProjectCreated", 10, big.NewInt(7), common.HexToAddress(owner)),
		h.Log(allov1.RoundFactory, allov1.V2, factory, "RoundCreated", 100,
			common.HexToAddress(round), common.HexToAddress(owner), common.HexToAddress("0x01")),
		h.Log(allov1.RoundImplementation, allov1.V2, round, "NewProjectApplication", 110,
			coretest.Hash32(project.Hex()), big.NewInt(0), coretest.MetaPtr("app-cid")),
		vote(120, dai),
		vote(121, unpriced),
	)
}

func newListener(t *testing.T, h *coretest.Harness, src Source, dir string, notifier Notifier) (*Listener, *subscriptions.Manager) {
	t.Helper()
	subs := subscriptions.NewManager(h.ChainID)
	cfg := Config{
		ChainID:       h.ChainID,
		PollInterval:  20 * time.Millisecond,
		MaxBlockRange: 50,
		LogPath:       filepath.Join(dir, "10.jsonl"),
		Static:        static,
	}
	return New(cfg, src, h.Registry, h.Store, h.Context(), subs, notifier, zerolog.Nop()), subs
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestPollIndexesDiscoveredContracts(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	notifier := &recordingNotifier{}
	l, subs := newListener(t, h, src, t.TempDir(), notifier)
	defer l.Stop()

	skipped := metrics.EventsSkipped.WithLabelValues(metrics.Chain(chainID), "unknown_token")
	before := testutil.ToFloat64(skipped)

	require.NoError(t, l.bootstrap(context.Background()))
	assert.Equal(t, StateListening, l.State())
	require.NoError(t, l.Poll(context.Background()))

	snap := h.Store.Snapshot(chainID)
	require.Len(t, snap.Projects, 1)
	require.Len(t, snap.Rounds, 1)
	require.Len(t, snap.Applications, 1)
	require.Len(t, snap.Donations, 1)
	assert.Equal(t, eth(2), snap.Donations[0].Amount)
	assert.Equal(t, 1.0, testutil.ToFloat64(skipped)-before)

	for _, addr := range []string{registry, factory, round, strategy} {
		e, ok := subs.Get(addr)
		require.True(t, ok, addr)
		assert.Equal(t, uint64(201), e.Next, addr)
	}

	assert.Equal(t, 5, countLines(t, l.cfg.LogPath))
	assert.Contains(t, notifier.rounds, round)
	assert.Equal(t, uint64(200), notifier.block)
}

func TestPollWindowsFollowCursors(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	l, _ := newListener(t, h, src, t.TempDir(), nil)
	defer l.Stop()

	require.NoError(t, l.bootstrap(context.Background()))
	require.NoError(t, l.Poll(context.Background()))

	assert.Equal(t, []logsCall{
		{Addresses: []string{factory, registry}, From: 1, To: 50},
		{Addresses: []string{factory, registry}, From: 51, To: 100},
		{Addresses: []string{round, strategy}, From: 100, To: 149},
		{Addresses: []string{factory, registry}, From: 101, To: 149},
		{Addresses: []string{factory, round, strategy, registry}, From: 150, To: 199},
		{Addresses: []string{factory, round, strategy, registry}, From: 200, To: 200},
	}, src.recorded())

	// Nothing is fetched until the head moves.
	require.NoError(t, l.Poll(context.Background()))
	assert.Len(t, src.recorded(), 6)
}

func TestPollHoldsBackConfirmations(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 115}
	seed(h, src)
	l, subs := newListener(t, h, src, t.TempDir(), nil)
	l.cfg.Confirmations = 10
	defer l.Stop()

	require.NoError(t, l.bootstrap(context.Background()))
	require.NoError(t, l.Poll(context.Background()))

	snap := h.Store.Snapshot(chainID)
	assert.Len(t, snap.Rounds, 1)
	assert.Empty(t, snap.Applications)
	e, _ := subs.Get(round)
	assert.Equal(t, uint64(106), e.Next)
}

func TestReplayRebuildsState(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	dir := t.TempDir()

	live, _ := newListener(t, h, src, dir, nil)
	require.NoError(t, live.bootstrap(context.Background()))
	require.NoError(t, live.Poll(context.Background()))
	want := h.Store.Snapshot(chainID)
	require.NoError(t, live.Stop())

	// A fresh process starts from the log alone; the node is not consulted.
	idle := &fakeSource{head: 0}
	restarted, subs := newListener(t, h, idle, dir, nil)
	defer restarted.Stop()
	require.NoError(t, restarted.bootstrap(context.Background()))

	assert.Equal(t, want, h.Store.Snapshot(chainID))
	assert.Empty(t, idle.recorded())

	// Static and discovered contracts resume after the last logged block
	// and keep the block they were first subscribed at.
	for addr, from := range map[string]uint64{registry: 1, factory: 1, round: 100, strategy: 100} {
		e, ok := subs.Get(addr)
		require.True(t, ok, addr)
		assert.Equal(t, uint64(122), e.Next, addr)
		assert.Equal(t, from, e.FromBlock, addr)
	}
}

// dayClock puts block n at n days after genesis.
type dayClock struct{}

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (dayClock) Timestamp(ctx context.Context, block uint64) (time.Time, error) {
	return genesis.Add(time.Duration(block) * 24 * time.Hour), nil
}

func TestRestartedRoundStillExpires(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	dir := t.TempDir()

	live, _ := newListener(t, h, src, dir, nil)
	require.NoError(t, live.bootstrap(context.Background()))
	require.NoError(t, live.Poll(context.Background()))
	require.NoError(t, live.Stop())

	restarted, subs := newListener(t, h, &fakeSource{}, dir, nil)
	defer restarted.Stop()
	require.NoError(t, restarted.bootstrap(context.Background()))

	// The round was subscribed at block 100; a 60 day window ends on day 160.
	pruner, err := subscriptions.NewPruner(subscriptions.PrunerConfig{
		Expiration: func(name string) (time.Duration, bool) {
			return 60 * 24 * time.Hour, name == allov1.RoundImplementation
		},
		Now: func() time.Time { return genesis.Add(161 * 24 * time.Hour) },
	}, zerolog.Nop())
	require.NoError(t, err)
	defer pruner.Stop()
	pruner.AddChain(chainID, subs, dayClock{})

	removed, err := pruner.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, ok := subs.Get(round)
	assert.False(t, ok)
	_, ok = subs.Get(strategy)
	assert.True(t, ok)
}

// seedLateRound creates the round at block 60 while the registry keeps
// emitting in the same window, at block 95.
func seedLateRound(h *coretest.Harness, src *fakeSource) {
	src.add(
		h.Log(allov1.ProjectRegistry, allov1.V2, registry, "ProjectCreated", 10, big.NewInt(7), common.HexToAddress(owner)),
		h.Log(allov1.RoundFactory, allov1.V2, factory, "RoundCreated", 60,
			common.HexToAddress(round), common.HexToAddress(owner), common.HexToAddress("0x01")),
		h.Log(allov1.RoundImplementation, allov1.V2, round, "NewProjectApplication", 70,
			coretest.Hash32(project.Hex()), big.NewInt(0), coretest.MetaPtr("app-cid")),
		h.Log(allov1.VotingStrategy, allov1.V2, strategy, "Voted", 80,
			common.HexToAddress(dai), eth(2), common.HexToAddress(voter), common.HexToAddress(grantee),
			coretest.Hash32(project.Hex()), big.NewInt(0), common.HexToAddress(round)),
		h.Log(allov1.ProjectRegistry, allov1.V2, registry, "ProjectCreated", 95, big.NewInt(8), common.HexToAddress(owner)),
	)
}

// failCatchUp polls until the new round's first window fails.
func failCatchUp(t *testing.T, l *Listener, src *fakeSource) {
	t.Helper()
	require.NoError(t, l.bootstrap(context.Background()))
	src.failOn = round
	src.setFail(errors.New("connection reset"))

	err := l.Poll(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, uint64(60), fetchErr.From)
	assert.Equal(t, uint64(109), fetchErr.To)
}

func TestCatchUpFetchErrorResumesFromCursor(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seedLateRound(h, src)
	l, subs := newListener(t, h, src, t.TempDir(), nil)
	defer l.Stop()
	failCatchUp(t, l, src)

	e, _ := subs.Get(round)
	assert.Equal(t, uint64(60), e.Next)
	e, _ = subs.Get(registry)
	assert.Equal(t, uint64(101), e.Next)
	// Events at or past the round's cursor stay out of the log.
	assert.Equal(t, 1, countLines(t, l.cfg.LogPath))

	failed := len(src.recorded())
	src.setFail(nil)
	require.NoError(t, l.Poll(context.Background()))
	assert.Equal(t, logsCall{Addresses: []string{round, strategy}, From: 60, To: 109}, src.recorded()[failed])

	snap := h.Store.Snapshot(chainID)
	assert.Len(t, snap.Projects, 2)
	assert.Len(t, snap.Applications, 1)
	assert.Len(t, snap.Donations, 1)
	assert.Equal(t, 5, countLines(t, l.cfg.LogPath))
}

func TestRestartAfterCatchUpFailureKeepsRoundEvents(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seedLateRound(h, src)
	dir := t.TempDir()

	live, _ := newListener(t, h, src, dir, nil)
	failCatchUp(t, live, src)
	require.NoError(t, live.Stop())

	fresh := &fakeSource{head: 200}
	seedLateRound(h, fresh)
	restarted, subs := newListener(t, h, fresh, dir, nil)
	defer restarted.Stop()
	require.NoError(t, restarted.bootstrap(context.Background()))

	e, ok := subs.Get(registry)
	require.True(t, ok)
	assert.Equal(t, uint64(11), e.Next)
	_, ok = subs.Get(round)
	assert.False(t, ok, "round is rediscovered from the node")

	require.NoError(t, restarted.Poll(context.Background()))
	snap := h.Store.Snapshot(chainID)
	assert.Len(t, snap.Projects, 2)
	assert.Len(t, snap.Rounds, 1)
	assert.Len(t, snap.Applications, 1)
	assert.Len(t, snap.Donations, 1)
	assert.Equal(t, 5, countLines(t, restarted.cfg.LogPath))
}

func TestEmptyLogStartsAtFromBlock(t *testing.T) {
	h := newHarness(t)
	l, subs := newListener(t, h, &fakeSource{}, t.TempDir(), nil)
	defer l.Stop()

	require.NoError(t, l.bootstrap(context.Background()))
	e, ok := subs.Get(registry)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Next)
	assert.Equal(t, 2, subs.Len())
}

func TestFetchErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	l, subs := newListener(t, h, src, t.TempDir(), nil)
	defer l.Stop()
	require.NoError(t, l.bootstrap(context.Background()))

	src.setFail(errors.New("connection refused"))
	err := l.Poll(context.Background())
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, uint64(1), fetchErr.From)
	e, _ := subs.Get(registry)
	assert.Equal(t, uint64(1), e.Next)

	src.setFail(nil)
	require.NoError(t, l.Poll(context.Background()))
	assert.Len(t, h.Store.Snapshot(chainID).Donations, 1)
}

func TestInvariantViolationHaltsChain(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	src.add(h.Log(allov1.VotingStrategy, allov1.V2, strategy, "Voted", 50,
		common.HexToAddress(dai), eth(1), common.HexToAddress(voter), common.HexToAddress(grantee),
		coretest.Hash32(project.Hex()), big.NewInt(0), common.HexToAddress(round)))

	l, _ := newListener(t, h, src, t.TempDir(), nil)
	l.cfg.Static = []changeset.Subscription{{ContractName: allov1.VotingStrategy, Version: allov1.V2, Address: strategy, FromBlock: 1}}
	defer l.Stop()
	require.NoError(t, l.bootstrap(context.Background()))

	err := l.Poll(context.Background())
	var processErr *ProcessError
	require.ErrorAs(t, err, &processErr)
	assert.Equal(t, "Voted", processErr.Event)
	assert.Equal(t, uint64(50), processErr.Block)
	var invariant *core.InvariantError
	assert.ErrorAs(t, err, &invariant)

	calls := len(src.recorded())
	assert.Equal(t, err, l.Poll(context.Background()))
	assert.Len(t, src.recorded(), calls)
	assert.Equal(t, 0, countLines(t, l.cfg.LogPath))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	l, _ := newListener(t, h, &fakeSource{}, t.TempDir(), nil)
	require.NoError(t, l.bootstrap(context.Background()))

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.State())
	assert.Error(t, l.Poll(context.Background()))
}

func TestRunPollsUntilCancelled(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	l, _ := newListener(t, h, src, t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return len(h.Store.Snapshot(chainID).Donations) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "replaying", StateReplaying.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestStatusReportsProgress(t *testing.T) {
	h := newHarness(t)
	src := &fakeSource{head: 200}
	seed(h, src)
	l, _ := newListener(t, h, src, t.TempDir(), nil)
	defer l.Stop()

	assert.Equal(t, "starting", l.Status().State)
	require.NoError(t, l.bootstrap(context.Background()))
	require.NoError(t, l.Poll(context.Background()))

	st := l.Status()
	assert.Equal(t, int64(chainID), st.ChainID)
	assert.Equal(t, "listening", st.State)
	assert.Equal(t, uint64(200), st.IndexedBlock)
	assert.Equal(t, 4, st.Subscriptions)
	assert.Empty(t, st.Halted)
}
