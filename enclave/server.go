package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/echa/log"
	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	"github.com/mdlayher/vsock"
	"github.com/sugawarayuuta/sonnet"

	"github.com/cloudx-io/auctionpool/bundle"
	"github.com/cloudx-io/auctionpool/core"
	"github.com/cloudx-io/auctionpool/enclaveapi"
	"github.com/cloudx-io/auctionpool/mempool"
)

// maxRequestBytes bounds a single request body.
const maxRequestBytes = 4 << 20

// EnclaveServer answers typed JSON requests against the scheduler and the auction house.
type EnclaveServer struct {
	port           uint32
	maxWorkers     int
	requestTimeout time.Duration

	scheduler  *mempool.Scheduler
	house      *bundle.House
	keyManager *KeyManager
	attester   EnclaveAttester
	sweeper    *Sweeper
	clock      core.Clock
}

// NewEnclaveServer wires a server. attester may be nil outside an enclave.
func NewEnclaveServer(cfg Config, scheduler *mempool.Scheduler, house *bundle.House, keyManager *KeyManager, attester EnclaveAttester, sweeper *Sweeper) *EnclaveServer {
	return &EnclaveServer{
		port:           cfg.VsockPort,
		maxWorkers:     cfg.MaxWorkers,
		requestTimeout: cfg.RequestTimeout,
		scheduler:      scheduler,
		house:          house,
		keyManager:     keyManager,
		attester:       attester,
		sweeper:        sweeper,
		clock:          core.SystemClock,
	}
}

// getEnclaveAttester attempts to get the NSM attester, returns error if not available
func getEnclaveAttester() (EnclaveAttester, error) {
	handle, err := enclave.GetOrInitializeHandle()
	if err != nil {
		return nil, fmt.Errorf("NSM not available: %w", err)
	}
	return handle, nil
}

// Start listens on the vsock port and serves until ctx is done.
func (s *EnclaveServer) Start(ctx context.Context) error {
	listener, err := vsock.Listen(s.port, nil)
	if err != nil {
		return fmt.Errorf("failed to create vsock listener: %w", err)
	}
	log.Infof("Enclave server listening on vsock port %d", s.port)
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener with at most maxWorkers in flight. Connections
// beyond that are closed immediately.
func (s *EnclaveServer) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			log.Errorf("Failed to close listener: %v", err)
		}
	}()

	semaphore := make(chan struct{}, s.maxWorkers)
	log.Infof("Worker pool initialized with %d max concurrent workers", s.maxWorkers)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("Failed to accept connection: %v", err)
			continue
		}

		// Acquire worker slot - immediate rejection if pool full
		select {
		case semaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-semaphore }()
				s.handleConnection(c)
			}(conn)
		default:
			log.Warnf("No workers available, rejecting connection (pool full)")
			if err := conn.Close(); err != nil {
				log.Errorf("Failed to close rejected connection: %v", err)
			}
		}
	}
}

func (s *EnclaveServer) handleConnection(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Panic recovered in handleConnection: %v", r)
		}
		if err := conn.Close(); err != nil {
			log.Errorf("Failed to close connection: %v", err)
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.requestTimeout))

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(conn, maxRequestBytes)); err != nil {
		log.Errorf("Failed to read request: %v", err)
		return
	}

	response := s.HandleRequest(buf.Bytes())
	data, err := sonnet.Marshal(response)
	if err != nil {
		log.Errorf("Failed to encode response: %v", err)
		return
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		log.Errorf("Failed to write response: %v", err)
	}
}

// HandleRequest decodes one request and returns its response. It never returns nil.
func (s *EnclaveServer) HandleRequest(data []byte) *enclaveapi.Response {
	var req enclaveapi.Request
	if err := sonnet.Unmarshal(data, &req); err != nil {
		log.Errorf("Failed to decode request: %v", err)
		return s.errorResponse(fmt.Errorf("failed to decode request: %w", err))
	}

	log.Debugf("Received request type: %s", req.Type)
	resp, err := s.dispatch(&req)
	if err != nil {
		log.Warnf("Request %s failed: %v", req.Type, err)
		return s.errorResponse(fmt.Errorf("%s failed: %w", req.Type, err))
	}

	resp.Type = req.Type
	resp.Success = true
	resp.Timestamp = s.clock.Now().Unix()
	return resp
}

func (s *EnclaveServer) errorResponse(err error) *enclaveapi.Response {
	return &enclaveapi.Response{
		Type:      enclaveapi.ResponseError,
		Message:   err.Error(),
		Timestamp: s.clock.Now().Unix(),
	}
}

func (s *EnclaveServer) dispatch(req *enclaveapi.Request) (*enclaveapi.Response, error) {
	switch req.Type {
	case enclaveapi.RequestPing:
		return &enclaveapi.Response{Message: "pong"}, nil

	case enclaveapi.RequestSigningKey:
		return HandleSigningKeyRequest(s.attester, s.keyManager)

	case enclaveapi.RequestSubmitTransaction:
		return s.submitTransaction(req)

	case enclaveapi.RequestRemoveTransaction:
		id, err := requireTransactionID(req)
		if err != nil {
			return nil, err
		}
		if !s.scheduler.RemoveTransaction(id) {
			return nil, fmt.Errorf("transaction %s: %w", id, core.ErrNotFound)
		}
		return &enclaveapi.Response{TransactionID: &id}, nil

	case enclaveapi.RequestTransactionProof:
		return s.transactionProof(req)

	case enclaveapi.RequestCreateWindow:
		auctionType := req.AuctionType
		if auctionType == "" {
			auctionType = core.AuctionTypeStandardExecution
		}
		if !auctionType.Valid() {
			return nil, fmt.Errorf("unknown auction type %q: %w", auctionType, core.ErrInvalidState)
		}
		if req.DurationSeconds <= 0 || req.TotalGasLimit == 0 {
			return nil, fmt.Errorf("window needs a positive duration and gas limit: %w", core.ErrInvalidState)
		}
		id := s.scheduler.CreateWindow(time.Duration(req.DurationSeconds)*time.Second, req.MaxTransactions, req.TotalGasLimit, auctionType)
		return &enclaveapi.Response{WindowID: id}, nil

	case enclaveapi.RequestSealWindow:
		return s.sealWindow(req.WindowID)

	case enclaveapi.RequestGetWindow:
		window, ok := s.sweeper.SealedWindow(req.WindowID)
		if !ok {
			return nil, fmt.Errorf("sealed window %d: %w", req.WindowID, core.ErrNotFound)
		}
		return &enclaveapi.Response{WindowID: req.WindowID, Window: window}, nil

	case enclaveapi.RequestMempoolStats:
		stats := s.scheduler.Stats()
		return &enclaveapi.Response{MempoolStats: &stats}, nil

	case enclaveapi.RequestCreateAuction:
		if req.Bundle == nil {
			return nil, fmt.Errorf("missing bundle: %w", core.ErrInvalidState)
		}
		id, err := s.house.CreateAuction(*req.Bundle, req.Config)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: id}, nil

	case enclaveapi.RequestStartAuction:
		if err := s.house.StartAuction(req.AuctionID); err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID}, nil

	case enclaveapi.RequestSubmitBid:
		bidID, err := s.house.SubmitBid(req.AuctionID, req.BidderID, req.Amount, req.Collateral, req.Signature)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, BidID: bidID}, nil

	case enclaveapi.RequestFinalizeAuction:
		settlement, err := s.house.FinalizeAuction(req.AuctionID)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, Settlement: settlement}, nil

	case enclaveapi.RequestCancelAuction:
		settlement, err := s.house.CancelAuction(req.AuctionID)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, Settlement: settlement}, nil

	case enclaveapi.RequestGetAuction:
		auction, err := s.house.GetAuction(req.AuctionID)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, Auction: &auction}, nil

	case enclaveapi.RequestGetBids:
		bids, err := s.house.GetBids(req.AuctionID)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, Bids: bids}, nil

	case enclaveapi.RequestGetSettlement:
		settlement, err := s.house.GetSettlement(req.AuctionID)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{AuctionID: req.AuctionID, Settlement: settlement}, nil

	case enclaveapi.RequestActiveAuctions:
		return &enclaveapi.Response{Auctions: s.house.GetActiveAuctions()}, nil

	case enclaveapi.RequestAuctionMetrics:
		metrics := s.house.Metrics()
		return &enclaveapi.Response{AuctionMetrics: &metrics}, nil

	case enclaveapi.RequestSetBalance:
		if req.Account == "" {
			return nil, fmt.Errorf("missing account: %w", core.ErrInvalidState)
		}
		if err := s.house.SetBidderBalance(req.Account, req.Balance); err != nil {
			return nil, err
		}
		return &enclaveapi.Response{Balance: &req.Balance}, nil

	case enclaveapi.RequestGetBalance:
		balance, err := s.house.BidderBalance(req.Account)
		if err != nil {
			return nil, err
		}
		return &enclaveapi.Response{Balance: &balance}, nil

	case enclaveapi.RequestSetStake:
		if req.Account == "" {
			return nil, fmt.Errorf("missing account: %w", core.ErrInvalidState)
		}
		s.house.SetValidatorStake(req.Account, req.Balance)
		return &enclaveapi.Response{}, nil

	case enclaveapi.RequestSetSystemEnabled:
		if req.Enabled == nil {
			return nil, fmt.Errorf("missing enabled flag: %w", core.ErrInvalidState)
		}
		s.house.SetSystemEnabled(*req.Enabled)
		return &enclaveapi.Response{}, nil

	case enclaveapi.RequestSetEmergencyMode:
		if req.Enabled == nil {
			return nil, fmt.Errorf("missing enabled flag: %w", core.ErrInvalidState)
		}
		s.house.SetEmergencyMode(*req.Enabled)
		return &enclaveapi.Response{}, nil

	default:
		return nil, fmt.Errorf("unknown request type: %q", req.Type)
	}
}

func (s *EnclaveServer) submitTransaction(req *enclaveapi.Request) (*enclaveapi.Response, error) {
	if req.Sender == "" || req.GasLimit == 0 {
		return nil, fmt.Errorf("transaction needs a sender and a gas limit: %w", core.ErrInvalidState)
	}
	if req.AuctionType != "" && !req.AuctionType.Valid() {
		return nil, fmt.Errorf("unknown auction type %q: %w", req.AuctionType, core.ErrInvalidState)
	}

	id := core.ComputeTransactionID(req.Sender, req.ChainID, req.Nonce, req.Payload)
	if req.TransactionID != nil {
		id = *req.TransactionID
	}

	tx := core.NewAuctionTransaction(id, req.ChainID, req.BidAmount, req.GasLimit, req.DataSize, req.Sender, s.clock.Now())
	tx.Nonce = req.Nonce
	tx.TargetChain = req.TargetChain
	if req.PriorityScore != 0 {
		tx.PriorityScore = req.PriorityScore
	}
	if req.AuctionType != "" {
		tx.AuctionType = req.AuctionType
	}

	s.scheduler.SubmitTransaction(tx)
	return &enclaveapi.Response{TransactionID: &id}, nil
}

// transactionProof proves a pending transaction against the pool root or, with a window
// id, a winner against that window's winners root.
func (s *EnclaveServer) transactionProof(req *enclaveapi.Request) (*enclaveapi.Response, error) {
	id, err := requireTransactionID(req)
	if err != nil {
		return nil, err
	}

	var proof *mempool.MerkleProof
	if req.WindowID != 0 {
		window, ok := s.sweeper.SealedWindow(req.WindowID)
		if !ok {
			return nil, fmt.Errorf("sealed window %d: %w", req.WindowID, core.ErrNotFound)
		}
		proof, err = window.Result.WinnerProof(id)
	} else {
		proof, err = s.scheduler.GenerateTransactionProof(id)
	}
	if err != nil {
		return nil, err
	}
	return &enclaveapi.Response{TransactionID: &id, WindowID: req.WindowID, Proof: proof}, nil
}

// sealWindow seals a window on demand. Sealing a window that was already sealed returns
// its published copy, publishing it first if an earlier attempt failed.
func (s *EnclaveServer) sealWindow(id uint64) (*enclaveapi.Response, error) {
	result, err := s.scheduler.SealWindow(id)
	if errors.Is(err, core.ErrInvalidState) {
		if window, ok := s.sweeper.SealedWindow(id); ok {
			return &enclaveapi.Response{WindowID: id, Window: window}, nil
		}
		window, pending, perr := s.sweeper.Republish(id)
		if pending {
			if perr != nil {
				return nil, perr
			}
			return &enclaveapi.Response{WindowID: id, Window: window}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	window, err := s.sweeper.Publish(result)
	if err != nil {
		return nil, err
	}
	return &enclaveapi.Response{WindowID: id, Window: window}, nil
}

func requireTransactionID(req *enclaveapi.Request) (core.Hash, error) {
	if req.TransactionID == nil {
		return core.Hash{}, fmt.Errorf("missing tx_id: %w", core.ErrInvalidState)
	}
	return *req.TransactionID, nil
}
