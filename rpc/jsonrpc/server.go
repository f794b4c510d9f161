package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Demosthene27/valois-sdk/config"
	"github.com/Demosthene27/valois-sdk/logging"
	"github.com/Demosthene27/valois-sdk/rpc"
	"github.com/Demosthene27/valois-sdk/state"
	"github.com/Demosthene27/valois-sdk/types"
)

// maxBodyBytes bounds a single HTTP request body.
const maxBodyBytes = 1 << 20

// MethodHandler handles one RPC method.
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server serves the operator methods over HTTP POST. When a websocket
// handler is set it is mounted at /ws on the same listener.
type Server struct {
	backend rpc.Backend
	cfg     config.RPCConfig
	logger  *logging.Logger

	httpServer *http.Server
	listener   net.Listener
	mux        *http.ServeMux

	methods map[string]MethodHandler
	running atomic.Bool
}

// NewServer creates a JSON-RPC server over the backend. wsHandler may be
// nil when the websocket feed is disabled.
func NewServer(backend rpc.Backend, cfg config.RPCConfig, wsHandler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	s := &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger.WithComponent("rpc"),
		methods: make(map[string]MethodHandler),
		mux:     http.NewServeMux(),
	}
	s.registerMethods()

	s.mux.HandleFunc("/", s.handleHTTP)
	if wsHandler != nil {
		s.mux.Handle("/ws", wsHandler)
	}
	return s
}

func (s *Server) registerMethods() {
	s.methods["getNodeInfo"] = s.handleGetNodeInfo
	s.methods["getValidators"] = s.handleGetValidators
	s.methods["getAccount"] = s.handleGetAccount

	s.methods["getBlockByID"] = s.handleGetBlockByID
	s.methods["getBlockByHeight"] = s.handleGetBlockByHeight
	s.methods["getBlocksByHeightRange"] = s.handleGetBlocksByHeightRange
	s.methods["getLastBlock"] = s.handleGetLastBlock

	s.methods["getTransactionByID"] = s.handleGetTransactionByID
	s.methods["getTransactionsByAddress"] = s.handleGetTransactionsByAddress
	s.methods["postTransaction"] = s.handlePostTransaction

	s.methods["getConnectedPeers"] = s.handleGetConnectedPeers
	s.methods["updateForgingStatus"] = s.handleUpdateForgingStatus

	s.methods["createSnapshot"] = s.handleCreateSnapshot
	s.methods["listSnapshots"] = s.handleListSnapshots
}

// Handler returns the HTTP handler serving the RPC surface.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the configured listen address.
func (s *Server) Start() error {
	if s.running.Swap(true) {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("rpc server stopped", logging.Error(err))
		}
	}()

	s.logger.Info("rpc server listening", logging.Address(s.cfg.ListenAddr))
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down rpc server: %w", err)
		}
	}
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}

	if len(body) > 0 && body[0] == '[' {
		s.handleBatch(w, r.Context(), body)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}

	s.writeResponse(w, s.processRequest(r.Context(), &req))
}

func (s *Server) handleBatch(w http.ResponseWriter, ctx context.Context, body []byte) {
	var batch BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		s.writeResponse(w, NewErrorResponse(nil, ErrParseError))
		return
	}
	if len(batch) == 0 {
		s.writeResponse(w, NewErrorResponse(nil, ErrInvalidRequest))
		return
	}

	responses := make(BatchResponse, len(batch))
	for i := range batch {
		responses[i] = *s.processRequest(ctx, &batch[i])
	}

	data, _ := json.Marshal(responses)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) processRequest(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return NewErrorResponse(req.ID, ErrInvalidRequest)
	}

	handler, ok := s.methods[req.Method]
	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, toRPCError(err))
	}

	resp, err := NewResponse(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInternalError)
	}
	return resp
}

// toRPCError maps backend errors to wire errors. Not-found sentinels get
// CodeNotFound, everything else surfaces its message under
// CodeInternalError.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	switch {
	case errors.Is(err, types.ErrBlockNotFound),
		errors.Is(err, types.ErrTxNotFound),
		errors.Is(err, types.ErrKeyNotFound),
		errors.Is(err, state.ErrSnapshotNotFound):
		return NewError(CodeNotFound, err.Error())
	default:
		return NewError(CodeInternalError, err.Error())
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	data, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Wire representations. Binary identifiers travel base64-encoded, the
// default encoding/json treatment of []byte; addresses travel hex.

type blockResult struct {
	ID                        []byte              `json:"id"`
	Version                   uint32              `json:"version"`
	Height                    uint64              `json:"height"`
	Timestamp                 uint32              `json:"timestamp"`
	PreviousBlockID           []byte              `json:"previousBlockId"`
	GeneratorPublicKey        []byte              `json:"generatorPublicKey"`
	TransactionRoot           []byte              `json:"transactionRoot"`
	MaxHeightPreviouslyForged uint64              `json:"maxHeightPreviouslyForged"`
	MaxHeightPrevoted         uint64              `json:"maxHeightPrevoted"`
	SeedReveal                []byte              `json:"seedReveal"`
	Signature                 []byte              `json:"signature"`
	Transactions              []transactionResult `json:"transactions"`
}

type transactionResult struct {
	ID              []byte   `json:"id"`
	ModuleID        uint32   `json:"moduleId"`
	AssetID         uint32   `json:"assetId"`
	Nonce           uint64   `json:"nonce"`
	Fee             uint64   `json:"fee"`
	SenderPublicKey []byte   `json:"senderPublicKey"`
	SenderAddress   string   `json:"senderAddress"`
	Asset           []byte   `json:"asset"`
	Signatures      [][]byte `json:"signatures"`
}

type accountResult struct {
	Address  string              `json:"address"`
	Balance  uint64              `json:"balance"`
	Nonce    uint64              `json:"nonce"`
	Delegate *delegateResult     `json:"delegate,omitempty"`
	Votes    []accountVoteResult `json:"votes,omitempty"`
}

type delegateResult struct {
	Username                string `json:"username"`
	TotalVotesReceived      uint64 `json:"totalVotesReceived"`
	IsBanned                bool   `json:"isBanned"`
	ConsecutiveMissedBlocks uint32 `json:"consecutiveMissedBlocks"`
}

type accountVoteResult struct {
	DelegateAddress string `json:"delegateAddress"`
	Amount          uint64 `json:"amount"`
}

func renderBlock(block *types.Block) blockResult {
	txs := make([]transactionResult, len(block.Payload))
	for i, tx := range block.Payload {
		txs[i] = renderTransaction(tx)
	}
	h := &block.Header
	return blockResult{
		ID:                        h.ID(),
		Version:                   h.Version,
		Height:                    uint64(h.Height),
		Timestamp:                 h.Timestamp,
		PreviousBlockID:           h.PreviousBlockID,
		GeneratorPublicKey:        h.GeneratorPublicKey,
		TransactionRoot:           h.TransactionRoot,
		MaxHeightPreviouslyForged: h.Asset.MaxHeightPreviouslyForged,
		MaxHeightPrevoted:         h.Asset.MaxHeightPrevoted,
		SeedReveal:                h.Asset.SeedReveal,
		Signature:                 h.Signature,
		Transactions:              txs,
	}
}

func renderTransaction(tx *types.Transaction) transactionResult {
	return transactionResult{
		ID:              tx.ID(),
		ModuleID:        tx.ModuleID,
		AssetID:         tx.AssetID,
		Nonce:           tx.Nonce,
		Fee:             tx.Fee,
		SenderPublicKey: tx.SenderPublicKey,
		SenderAddress:   tx.SenderAddress().String(),
		Asset:           tx.Asset,
		Signatures:      tx.Signatures,
	}
}

func renderAccount(account *types.Account) accountResult {
	out := accountResult{
		Address: account.Address.String(),
		Balance: account.Balance,
		Nonce:   account.Nonce,
	}
	if account.Delegate != nil {
		out.Delegate = &delegateResult{
			Username:                account.Delegate.Username,
			TotalVotesReceived:      account.Delegate.TotalVotesReceived,
			IsBanned:                account.Delegate.IsBanned,
			ConsecutiveMissedBlocks: account.Delegate.ConsecutiveMissedBlocks,
		}
	}
	for _, vote := range account.Votes {
		out.Votes = append(out.Votes, accountVoteResult{
			DelegateAddress: vote.DelegateAddress.String(),
			Amount:          vote.Amount,
		})
	}
	return out
}

// Method handlers

func (s *Server) handleGetNodeInfo(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return s.backend.NodeInfo(ctx)
}

func (s *Server) handleGetValidators(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return s.backend.Validators(ctx)
}

type accountParams struct {
	Address string `json:"address"`
}

func (s *Server) handleGetAccount(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p accountParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	address, err := types.AddressFromHex(p.Address)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "invalid address")
	}

	account, err := s.backend.Account(ctx, address)
	if err != nil {
		return nil, err
	}
	return renderAccount(account), nil
}

type blockIDParams struct {
	ID []byte `json:"id"`
}

func (s *Server) handleGetBlockByID(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p blockIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	if len(p.ID) != types.HashSize {
		return nil, NewError(CodeInvalidParams, "invalid block id")
	}

	block, err := s.backend.BlockByID(ctx, types.Hash(p.ID))
	if err != nil {
		return nil, err
	}
	return renderBlock(block), nil
}

type heightParams struct {
	Height uint64 `json:"height"`
}

func (s *Server) handleGetBlockByHeight(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p heightParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}

	block, err := s.backend.BlockByHeight(ctx, types.Height(p.Height))
	if err != nil {
		return nil, err
	}
	return renderBlock(block), nil
}

type heightRangeParams struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (s *Server) handleGetBlocksByHeightRange(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p heightRangeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	if p.To < p.From {
		return nil, NewError(CodeInvalidParams, "empty height range")
	}

	blocks, err := s.backend.BlocksByHeightRange(ctx, types.Height(p.From), types.Height(p.To))
	if err != nil {
		return nil, err
	}

	out := make([]blockResult, len(blocks))
	for i, block := range blocks {
		out[i] = renderBlock(block)
	}
	return out, nil
}

func (s *Server) handleGetLastBlock(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	block, err := s.backend.LastBlock(ctx)
	if err != nil {
		return nil, err
	}
	return renderBlock(block), nil
}

func (s *Server) handleGetTransactionByID(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p blockIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	if len(p.ID) != types.HashSize {
		return nil, NewError(CodeInvalidParams, "invalid transaction id")
	}

	tx, err := s.backend.TransactionByID(ctx, types.Hash(p.ID))
	if err != nil {
		return nil, err
	}
	return renderTransaction(tx), nil
}

type addressTxParams struct {
	Address string `json:"address"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleGetTransactionsByAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p addressTxParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	address, err := types.AddressFromHex(p.Address)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "invalid address")
	}

	txs, err := s.backend.TransactionsByAddress(ctx, address, p.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]transactionResult, len(txs))
	for i, tx := range txs {
		out[i] = renderTransaction(tx)
	}
	return out, nil
}

type postTransactionParams struct {
	Transaction []byte `json:"transaction"`
}

func (s *Server) handlePostTransaction(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p postTransactionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	if len(p.Transaction) == 0 {
		return nil, NewError(CodeInvalidParams, "empty transaction")
	}

	id, err := s.backend.PostTransaction(ctx, p.Transaction)
	if err != nil {
		return nil, err
	}
	return map[string][]byte{"transactionId": id}, nil
}

func (s *Server) handleGetConnectedPeers(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return s.backend.ConnectedPeers(ctx)
}

type forgingStatusParams struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	Forging  bool   `json:"forging"`
}

func (s *Server) handleUpdateForgingStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p forgingStatusParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	address, err := types.AddressFromHex(p.Address)
	if err != nil {
		return nil, NewError(CodeInvalidParams, "invalid address")
	}

	return s.backend.UpdateForgingStatus(ctx, address, p.Password, p.Forging)
}

func (s *Server) handleCreateSnapshot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p heightParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, ErrInvalidParams
	}
	return s.backend.CreateSnapshot(ctx, types.Height(p.Height))
}

func (s *Server) handleListSnapshots(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	return s.backend.ListSnapshots(ctx)
}
