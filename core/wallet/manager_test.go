package wallet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/amosehiguese/soltrader/config"
	"github.com/amosehiguese/soltrader/core/apperr"
	"github.com/amosehiguese/soltrader/core/model"
	"github.com/amosehiguese/soltrader/core/rpcpool"
)

var testRedis *fakeRedis

// TestMain wires the package-global redis singleton at a throwaway RESP
// server: the balance cache helpers dial it lazily and abort the process
// when the first ping fails.
func TestMain(m *testing.M) {
	fr, err := startFakeRedis()
	if err != nil {
		panic(err)
	}
	testRedis = fr

	dir, err := os.MkdirTemp("", "wallet-conf")
	if err != nil {
		panic(err)
	}
	conf := fmt.Sprintf("RedisConfig:\n  Host: %q\n", fr.addr())
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(conf), 0o600); err != nil {
		panic(err)
	}
	if err := config.LoadConf(dir + "/"); err != nil {
		panic(err)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}

// fakeRedis speaks just enough RESP for the balance cache: PING, GET, SET
// (expiry arguments ignored), EXISTS and DEL.
type fakeRedis struct {
	ln net.Listener

	mu   sync.Mutex
	data map[string]string
}

func startFakeRedis() (*fakeRedis, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	f := &fakeRedis{ln: ln, data: make(map[string]string)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f, nil
}

func (f *fakeRedis) addr() string { return f.ln.Addr().String() }

func (f *fakeRedis) set(key, value string) {
	f.mu.Lock()
	f.data[key] = value
	f.mu.Unlock()
}

func (f *fakeRedis) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readRESPCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			continue
		}
		switch strings.ToUpper(args[0]) {
		case "PING":
			fmt.Fprint(conn, "+PONG\r\n")
		case "SET":
			if len(args) >= 3 {
				f.set(args[1], args[2])
			}
			fmt.Fprint(conn, "+OK\r\n")
		case "GET":
			f.mu.Lock()
			v, ok := f.data[args[1]]
			f.mu.Unlock()
			if !ok {
				fmt.Fprint(conn, "$-1\r\n")
			} else {
				fmt.Fprintf(conn, "$%d\r\n%s\r\n", len(v), v)
			}
		case "EXISTS":
			n := 0
			f.mu.Lock()
			if _, ok := f.data[args[1]]; ok {
				n = 1
			}
			f.mu.Unlock()
			fmt.Fprintf(conn, ":%d\r\n", n)
		case "DEL":
			f.mu.Lock()
			delete(f.data, args[1])
			f.mu.Unlock()
			fmt.Fprint(conn, ":1\r\n")
		default:
			fmt.Fprint(conn, "+OK\r\n")
		}
	}
}

func readRESPCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "*") {
		return strings.Fields(line), nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimRight(sizeLine, "\r\n")
		if !strings.HasPrefix(sizeLine, "$") {
			return nil, fmt.Errorf("unexpected resp line %q", sizeLine)
		}
		size, err := strconv.Atoi(sizeLine[1:])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

// rpcStub is a canned JSON-RPC endpoint covering the handful of methods the
// manager issues.
type rpcStub struct {
	srv *httptest.Server

	mu              sync.Mutex
	balances        map[string]uint64
	balanceFailures int
	balanceCalls    int
	tokenBalances   map[string]uint64
	sendErr         string
	sent            int
}

func newRPCStub() *rpcStub {
	s := &rpcStub{
		balances:      make(map[string]uint64),
		tokenBalances: make(map[string]uint64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *rpcStub) close() { s.srv.Close() }

func (s *rpcStub) setBalance(address string, lamports uint64) {
	s.mu.Lock()
	s.balances[address] = lamports
	s.mu.Unlock()
}

func (s *rpcStub) failBalances(n int) {
	s.mu.Lock()
	s.balanceFailures = n
	s.balanceCalls = 0
	s.mu.Unlock()
}

func (s *rpcStub) setSendErr(msg string) {
	s.mu.Lock()
	s.sendErr = msg
	s.mu.Unlock()
}

func (s *rpcStub) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *rpcStub) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reply := func(result interface{}) {
		raw, _ := json.Marshal(result)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, raw)
	}
	replyErr := func(code int, msg string) {
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, req.ID, code, msg)
	}

	var account string
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &account)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Method {
	case "getBalance":
		s.balanceCalls++
		if s.balanceCalls <= s.balanceFailures {
			replyErr(-32005, "node is behind")
			return
		}
		reply(map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value":   s.balances[account],
		})
	case "getTokenAccountBalance":
		bal, ok := s.tokenBalances[account]
		if !ok {
			replyErr(-32602, "could not find account")
			return
		}
		reply(map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value": map[string]interface{}{
				"amount":         strconv.FormatUint(bal, 10),
				"decimals":       6,
				"uiAmountString": strconv.FormatUint(bal, 10),
			},
		})
	case "getLatestBlockhash":
		reply(map[string]interface{}{
			"context": map[string]interface{}{"slot": 1},
			"value": map[string]interface{}{
				"blockhash":            "11111111111111111111111111111111",
				"lastValidBlockHeight": 100,
			},
		})
	case "sendTransaction":
		if s.sendErr != "" {
			replyErr(-32002, s.sendErr)
			return
		}
		s.sent++
		reply(strings.Repeat("1", 64))
	case "getSlot":
		reply(42)
	default:
		replyErr(-32601, "method not found")
	}
}

type fakeWalletStore struct {
	mu      sync.Mutex
	wallets map[string]*model.Wallet
	swept   map[string]string
}

func newFakeWalletStore() *fakeWalletStore {
	return &fakeWalletStore{
		wallets: make(map[string]*model.Wallet),
		swept:   make(map[string]string),
	}
}

func (f *fakeWalletStore) InsertWallet(ctx context.Context, w *model.Wallet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[w.Address] = w
	return nil
}

func (f *fakeWalletStore) GetWallet(ctx context.Context, address string) (*model.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[address]
	if !ok {
		return nil, fmt.Errorf("wallet %s not found", address)
	}
	return w, nil
}

func (f *fakeWalletStore) UpdateWalletStatus(ctx context.Context, address, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.wallets[address]; ok {
		w.Status = status
	}
	return nil
}

func (f *fakeWalletStore) MarkWalletSwept(ctx context.Context, address, sweepErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept[address] = sweepErr
	return nil
}

func (f *fakeWalletStore) sweptMsg(address string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.swept[address]
	return msg, ok
}

func newTestManager(t *testing.T, stub *rpcStub) (*Manager, *fakeWalletStore) {
	t.Helper()
	rpcCfg := config.RPCConfig{
		Endpoints:         []config.RPCEndpointConfig{{URL: stub.srv.URL, Weight: 1}},
		RequestTimeoutSec: 5,
	}
	st := newFakeWalletStore()
	m, err := NewManager(rpcpool.New(rpcCfg), st, config.WalletConfig{
		EncryptionSecret: "operator-secret",
		EncryptionSalt:   "fixed-salt",
		SettleDelaySec:   1,
		PollIntervalSec:  1,
	}, rpcCfg)
	if err != nil {
		t.Fatal(err)
	}
	return m, st
}

func newAddress(t *testing.T) string {
	t.Helper()
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return priv.PublicKey().String()
}

func TestCreatePersistsEncryptedWallet(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, st := newTestManager(t, stub)

	w, err := m.Create(context.Background(), "sess-1", model.WalletKindVault)
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if _, err := st.GetWallet(context.Background(), w.Address); err != nil {
		t.Fatalf("wallet not persisted: %v", err)
	}

	priv, err := m.Keypair(w)
	if err != nil {
		t.Fatalf("Keypair() = %v", err)
	}
	if priv.PublicKey().String() != w.Address {
		t.Errorf("decrypted key pubkey = %s, want %s", priv.PublicKey(), w.Address)
	}
}

func TestGetBalanceRetriesTransientFailure(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	addr := newAddress(t)
	stub.setBalance(addr, 7_000_000_000)
	stub.failBalances(2)

	got, err := m.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetBalance() = %v", err)
	}
	if got != 7_000_000_000 {
		t.Errorf("balance = %d, want 7000000000", got)
	}
}

func TestGetBalanceFallsBackToCache(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	addr := newAddress(t)
	stub.setBalance(addr, 3_000_000_000)

	// first call primes the cache
	if _, err := m.GetBalance(context.Background(), addr); err != nil {
		t.Fatalf("GetBalance() = %v", err)
	}

	stub.failBalances(1 << 20)
	got, err := m.GetBalance(context.Background(), addr)
	if err != nil {
		t.Fatalf("GetBalance() with rpc down = %v, want cached value", err)
	}
	if got != 3_000_000_000 {
		t.Errorf("cached balance = %d, want 3000000000", got)
	}
}

func TestGetBalanceFailsWithoutCache(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	stub.failBalances(1 << 20)
	if _, err := m.GetBalance(context.Background(), newAddress(t)); !apperr.IsNetwork(err) {
		t.Fatalf("GetBalance() = %v, want network error", err)
	}
}

func TestGetTokenBalanceMissingAccountIsZero(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	got, err := m.GetTokenBalance(context.Background(), newAddress(t), newAddress(t))
	if err != nil {
		t.Fatalf("GetTokenBalance() = %v", err)
	}
	if got != 0 {
		t.Errorf("balance = %d, want 0 for a nonexistent token account", got)
	}
}

func TestTransferFundsSubmits(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	w, err := m.Create(context.Background(), "sess-1", model.WalletKindEphemeral)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := m.TransferFunds(context.Background(), w.Address, newAddress(t), 1_000_000)
	if err != nil {
		t.Fatalf("TransferFunds() = %v", err)
	}
	if sig == "" {
		t.Error("empty signature")
	}
	if stub.sentCount() != 1 {
		t.Errorf("transactions sent = %d, want 1", stub.sentCount())
	}
}

func TestTransferTokenRequiresSourceAccount(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, _ := newTestManager(t, stub)

	w, err := m.Create(context.Background(), "sess-1", model.WalletKindEphemeral)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.TransferToken(context.Background(), w.Address, newAddress(t), newAddress(t), 100)
	if !errors.Is(err, ErrTokenAccountNotFound) {
		t.Fatalf("TransferToken() = %v, want ErrTokenAccountNotFound", err)
	}
}

func TestSweepEmptyWalletNeverErrors(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, st := newTestManager(t, stub)

	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	// the account-close submission for a wallet that never traded bounces
	// off the chain with a missing-account error, which sweep tolerates
	stub.setSendErr("AccountNotFound: could not find account")

	if err := m.Sweep(context.Background(), priv, newAddress(t), newAddress(t)); err != nil {
		t.Fatalf("Sweep() on empty wallet = %v, want nil", err)
	}

	msg, ok := st.sweptMsg(priv.PublicKey().String())
	if !ok {
		t.Fatal("wallet not marked swept")
	}
	if msg != "" {
		t.Errorf("sweep error recorded = %q, want none", msg)
	}
}

func TestSweepWithoutMintSkipsTokenLeg(t *testing.T) {
	stub := newRPCStub()
	defer stub.close()
	m, st := newTestManager(t, stub)

	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Sweep(context.Background(), priv, newAddress(t), ""); err != nil {
		t.Fatalf("Sweep() = %v", err)
	}
	if _, ok := st.sweptMsg(priv.PublicKey().String()); !ok {
		t.Fatal("wallet not marked swept")
	}
	if stub.sentCount() != 0 {
		t.Errorf("transactions sent = %d, want none for a zero-balance wallet", stub.sentCount())
	}
}
