// ============================================================================
// Fatebox 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 真實元件串接的批次流程 + 重啟恢復
//
// 元件:
//   - ledger.BridgeClient / ledger.RPCClient 對接 httptest 假 ledger
//   - oracle.Coordinator（真實重試、輪詢邏輯）
//   - controller.Controller（WAL + 快照）
//   - notify.GRPCSink -> server.Server（bufconn）
//   - metrics.Collector（獨立 registry）
//
// TestPipeline_EndToEnd:
//   10 個盒子，窗口 5，第 4 個揭示請求永久失敗（HTTP 400）
//   - 9 個盒子 settled（奇數 handle 為 jackpot，偶數為 dud）
//   - 1 個盒子 failed、可退款，接收端收到一次通知
//   - 重啟後狀態從快照 + WAL 完整恢復
//
// ============================================================================

package integration

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frommybrain/fatebox/internal/clock"
	"github.com/frommybrain/fatebox/internal/controller"
	"github.com/frommybrain/fatebox/internal/ledger"
	"github.com/frommybrain/fatebox/internal/luck"
	"github.com/frommybrain/fatebox/internal/metrics"
	"github.com/frommybrain/fatebox/internal/notify"
	"github.com/frommybrain/fatebox/internal/oracle"
	"github.com/frommybrain/fatebox/internal/runner"
	"github.com/frommybrain/fatebox/internal/server"
	"github.com/frommybrain/fatebox/pkg/types"
)

var (
	t0      = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	owner   = key(0xA0, 1)
	queue   = key(0xB0, 1)
	oracleK = key(0xC0, 1)
)

func key(prefix byte, n uint32) types.PublicKey {
	var k types.PublicKey
	k[0] = prefix
	binary.BigEndian.PutUint32(k[28:], n)
	return k
}

// ============================================================================
// 假 ledger：bridge HTTP + JSON-RPC
// ============================================================================

type fakeLedger struct {
	mu       sync.Mutex
	next     uint32
	index    map[types.PublicKey]uint32
	revealed map[types.PublicKey]bool
	failN    uint32 // reveal of this handle index answers 400
	settled  map[types.BoxID]uint64
	submits  int
}

func newFakeLedger(failN uint32) *fakeLedger {
	return &fakeLedger{
		index:    make(map[types.PublicKey]uint32),
		revealed: make(map[types.PublicKey]bool),
		settled:  make(map[types.BoxID]uint64),
		failN:    failN,
	}
}

// value 奇數 handle 為最大分數（jackpot），偶數為 0（dud）
func value(n uint32) []byte {
	data := make([]byte, 8+32)
	if n%2 == 1 {
		binary.LittleEndian.PutUint32(data[8:12], 0xFFFFFFFF)
	}
	data[8+31] = 1
	return data
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (l *fakeLedger) bridge() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/randomness/create", func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.next++
		h := key(0x4A, l.next)
		l.index[h] = l.next
		l.mu.Unlock()
		writeJSON(w, oracle.CreateResult{Handle: h})
	})
	mux.HandleFunc("/v1/randomness/commit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, oracle.CommitResult{Oracle: oracleK, SeedSlot: 1000})
	})
	mux.HandleFunc("/v1/randomness/reveal", func(w http.ResponseWriter, r *http.Request) {
		var p oracle.RevealParams
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		l.mu.Lock()
		n := l.index[p.Handle]
		if n == l.failN {
			l.mu.Unlock()
			w.WriteHeader(http.StatusBadRequest)
			writeJSON(w, map[string]string{"error": "randomness account owned by another program"})
			return
		}
		l.revealed[p.Handle] = true
		l.mu.Unlock()
		writeJSON(w, oracle.Instruction{})
	})
	mux.HandleFunc("/v1/submit", func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		l.submits++
		n := l.submits
		l.mu.Unlock()
		writeJSON(w, map[string]string{"signature": "sig-" + string(rune('a'+n%26))})
	})
	mux.HandleFunc("/v1/settle", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BoxID  types.BoxID `json:"box_id"`
			Amount uint64      `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
			return
		}
		l.mu.Lock()
		l.settled[req.BoxID] = req.Amount
		l.mu.Unlock()
		writeJSON(w, map[string]string{"signature": "settle-sig"})
	})
	return mux
}

func (l *fakeLedger) rpc() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Params []json.RawMessage
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Params) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var addr string
		_ = json.Unmarshal(req.Params[0], &addr)
		h, err := types.ParsePublicKey(addr)

		l.mu.Lock()
		n, known := l.index[h]
		revealed := l.revealed[h]
		l.mu.Unlock()

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		switch {
		case err != nil || !known:
			resp["result"] = map[string]any{"context": map[string]any{"slot": 1}, "value": nil}
		case !revealed:
			resp["result"] = accountResult(make([]byte, 40))
		default:
			resp["result"] = accountResult(value(n))
		}
		writeJSON(w, resp)
	})
}

func accountResult(data []byte) map[string]any {
	return map[string]any{
		"context": map[string]any{"slot": 1},
		"value": map[string]any{
			"data":     []string{base64.StdEncoding.EncodeToString(data), "base64"},
			"lamports": 1,
			"owner":    "11111111111111111111111111111111",
		},
	}
}

// ============================================================================
// 組裝
// ============================================================================

type stack struct {
	ledger   *fakeLedger
	ctrl     *controller.Controller
	ctrlCfg  controller.Config
	receiver *server.Server
	reg      *prometheus.Registry
	runner   *runner.Runner
}

func startReceiver(t *testing.T) (*server.Server, *notify.GRPCSink) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	receiver := server.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, lis, receiver)
	}()

	sink, err := notify.Dial("passthrough:///bufnet", 2*time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sink.Close()
		cancel()
		<-done
	})
	return receiver, sink
}

func newStack(t *testing.T, dir string, failN uint32) *stack {
	t.Helper()

	l := newFakeLedger(failN)
	bridgeSrv := httptest.NewServer(l.bridge())
	rpcSrv := httptest.NewServer(l.rpc())
	t.Cleanup(bridgeSrv.Close)
	t.Cleanup(rpcSrv.Close)

	clk := clock.NewFake(t0)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ctrlCfg := controller.Config{
		WALPath:      dir + "/boxes.wal",
		SnapshotPath: dir + "/boxes.snapshot",
		Luck:         luck.DefaultConfig(3 * time.Second),
		CommitWindow: time.Hour,
	}
	ctrl, err := controller.NewController(ctrlCfg)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start())

	bridge := ledger.NewBridgeClient(bridgeSrv.URL, "test-key", 5*time.Second)
	reader, err := ledger.NewRPCClient(rpcSrv.URL, "confirmed", 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(reader.Close)
	ocfg := oracle.DefaultConfig("devnet")
	ocfg.BackoffStep = time.Second
	coord, err := oracle.NewCoordinator(ocfg, oracle.Dependencies{
		Gateway:   bridge,
		Submitter: bridge,
		Reader:    reader,
		Queues:    oracle.StaticQueues{"devnet": queue},
		Clock:     clk,
		Recorder:  collector,
	})
	require.NoError(t, err)

	receiver, sink := startReceiver(t)

	rcfg := runner.DefaultConfig(owner, 1000)
	rcfg.ProjectID = 7
	r, err := runner.New(rcfg, runner.Dependencies{
		Boxes:    ctrl,
		Oracle:   coord,
		Settler:  bridge,
		Notifier: sink,
		Clock:    clk,
		Recorder: collector,
	})
	require.NoError(t, err)

	return &stack{ledger: l, ctrl: ctrl, ctrlCfg: ctrlCfg, receiver: receiver, reg: reg, runner: r}
}

// ============================================================================
// 測試
// ============================================================================

func TestPipeline_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	s := newStack(t, dir, 4)

	report, err := s.runner.Run(context.Background(), 10)
	require.NoError(t, err)
	s.ctrl.Stop()

	assert.Equal(t, 10, report.Purchased)
	assert.Equal(t, 10, report.Committed)
	assert.Equal(t, 9, report.Settled)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Partial)
	assert.Equal(t, 1, report.RefundsNotified)

	refundable := report.RefundEligible()
	require.Len(t, refundable, 1)
	failedID := refundable[0]

	// 退款通知經由 gRPC 送達
	rec, ok := s.receiver.Get(failedID)
	require.True(t, ok, "receiver should have box %d", failedID)
	assert.Equal(t, owner, rec.Owner)
	assert.Equal(t, uint64(7), rec.ProjectID)
	assert.Len(t, s.receiver.Refunds(), 1)

	// 只有 payout > 0 的盒子會轉帳，金額為 10x
	s.ledger.mu.Lock()
	transfers := len(s.ledger.settled)
	for id, amount := range s.ledger.settled {
		assert.Equal(t, uint64(10000), amount, "box %d", id)
	}
	s.ledger.mu.Unlock()
	assert.Equal(t, report.Settled-report.ZeroPayout, transfers)
	assert.Equal(t, report.Tiers["jackpot"], transfers)
	assert.Equal(t, report.Tiers["dud"], report.ZeroPayout)

	// metrics
	body := scrape(t, s.reg)
	assert.Contains(t, body, "fatebox_boxes_settled_total 9")
	assert.Contains(t, body, "fatebox_boxes_committed_total 10")
	assert.Contains(t, body, "fatebox_refund_notifications_total 1")
	n, err := testutil.GatherAndCount(s.reg, "fatebox_boxes_failed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 重啟：快照 + WAL 恢復出相同狀態
	status, boxes, err := controller.Inspect(s.ctrlCfg)
	require.NoError(t, err)
	assert.Len(t, boxes, 10)
	assert.Equal(t, 9, status.Boxes[string(types.StateSettled)])
	assert.Equal(t, 1, status.Boxes[string(types.StateFailed)])
	for _, b := range boxes {
		if b.ID == failedID {
			assert.True(t, b.RefundEligible)
			assert.NotNil(t, b.FailedHandle)
			continue
		}
		require.NotNil(t, b.RewardTier, "box %d", b.ID)
		assert.GreaterOrEqual(t, b.Luck, 15, "box %d held at least 31s", b.ID)
	}
}

func TestPipeline_RestartContinues(t *testing.T) {
	dir := t.TempDir()

	first := newStack(t, dir, 0)
	report, err := first.runner.Run(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, report.Settled)
	first.ctrl.Stop()

	// 第二次啟動：已存在的盒子 id 衝突，購買階段被拒
	second := newStack(t, dir, 0)
	defer second.ctrl.Stop()
	report, err = second.runner.Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 2, report.FailuresByPhase[runner.PhasePurchase])
	assert.Equal(t, 0, report.Purchased)

	for id := types.BoxID(1); id <= 3; id++ {
		b, err := second.ctrl.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateSettled, b.State, "box %d survived restart", id)
	}
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return strings.TrimSpace(rec.Body.String())
}
