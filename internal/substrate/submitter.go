package substrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/autonomys/gemini-3h-slash/internal/dispatch"
)

// SS58Prefix is the address format of the Subspace consensus chain.
const SS58Prefix = 2254

const (
	eventExtrinsicFailed = "System.ExtrinsicFailed"
	eventBatchCompleted  = "Utility.BatchCompleted"
	eventBatchInterrupt  = "Utility.BatchInterrupted"
)

// Submitter sends treasury batches as sudo extrinsics. It implements
// dispatch.Submitter.
type Submitter struct {
	api    *gsrpc.SubstrateAPI
	signer signature.KeyringPair
	events retriever.EventRetriever
	logger *slog.Logger

	// Holds one token; one extrinsic in flight at a time keeps nonces
	// sequential. A channel lets waiters give up when their context ends.
	inflight chan struct{}
}

var _ dispatch.Submitter = (*Submitter)(nil)

// NewSubmitter connects to url and derives the signing key from suri.
func NewSubmitter(url, suri string, logger *slog.Logger) (*Submitter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	signer, err := signature.KeyringPairFromSecret(suri, SS58Prefix)
	if err != nil {
		return nil, fmt.Errorf("substrate: load signing key: %w", err)
	}
	api, err := gsrpc.NewSubstrateAPI(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	events, err := retriever.NewDefaultEventRetriever(state.NewEventProvider(api.RPC.State), api.RPC.State)
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("substrate: event retriever: %w", err)
	}

	logger.Debug("signer loaded", "address", signer.Address)
	return &Submitter{
		api:      api,
		signer:   signer,
		events:   events,
		logger:   logger,
		inflight: make(chan struct{}, 1),
	}, nil
}

// Signer returns the SS58 address of the signing key.
func (s *Submitter) Signer() string { return s.signer.Address }

// Close releases the connection.
func (s *Submitter) Close() {
	s.api.Client.Close()
}

// SubmitBatch wraps transfers in Sudo.sudo(Utility.batch_all(...)), signs
// it and waits until it is included in a block. The batch counts as applied
// only if that block records Utility.BatchCompleted for it.
func (s *Submitter) SubmitBatch(ctx context.Context, transfers []dispatch.Transfer) (*dispatch.Inclusion, error) {
	select {
	case s.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, s.fail("wait", "", ctx.Err())
	}
	defer func() { <-s.inflight }()

	meta, err := s.api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, s.fail("metadata", "", err)
	}
	call, err := batchCall(meta, transfers)
	if err != nil {
		return nil, s.fail("build", "", err)
	}

	ext, nonce, err := s.sign(call)
	if err != nil {
		return nil, s.fail("sign", "", err)
	}
	encoded, err := codec.EncodeToHex(ext)
	if err != nil {
		return nil, s.fail("encode", "", err)
	}

	sub, err := s.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return nil, s.fail("submit", "", err)
	}
	defer sub.Unsubscribe()

	s.logger.Info("batch submitted", "transfers", len(transfers), "nonce", nonce)

	for {
		select {
		case <-ctx.Done():
			return nil, s.fail("wait", "", unknown(ctx.Err()))
		case err := <-sub.Err():
			return nil, s.fail("wait", "", unknown(err))
		case status := <-sub.Chan():
			switch {
			case status.IsInBlock:
				hash := status.AsInBlock
				idx, err := s.confirm(hash, encoded)
				if err != nil {
					return nil, s.fail("confirm", hash.Hex(), err)
				}
				return &dispatch.Inclusion{BlockHash: hash.Hex(), ExtrinsicIndex: idx, Nonce: nonce}, nil
			case status.IsDropped, status.IsInvalid, status.IsUsurped:
				return nil, s.fail("wait", "", fmt.Errorf("extrinsic %s", statusName(status)))
			default:
				s.logger.Debug("batch status", "status", statusName(status))
			}
		}
	}
}

func (s *Submitter) fail(op, blockHash string, err error) error {
	return &dispatch.DispatchError{Op: op, BlockHash: blockHash, Err: err}
}

// unknown marks an error seen after the node accepted the extrinsic.
func unknown(err error) error {
	return fmt.Errorf("%w: %w", dispatch.ErrOutcomeUnknown, err)
}

// batchCall builds Sudo.sudo(Utility.batch_all([Domains.transfer_treasury_funds...])).
func batchCall(meta *types.Metadata, transfers []dispatch.Transfer) (types.Call, error) {
	if len(transfers) == 0 {
		return types.Call{}, errors.New("empty batch")
	}
	calls := make([]types.Call, 0, len(transfers))
	for _, t := range transfers {
		to, err := types.NewAccountID(t.To[:])
		if err != nil {
			return types.Call{}, err
		}
		c, err := types.NewCall(meta, "Domains.transfer_treasury_funds", *to, types.NewU128(*t.Amount))
		if err != nil {
			return types.Call{}, err
		}
		calls = append(calls, c)
	}
	batch, err := types.NewCall(meta, "Utility.batch_all", calls)
	if err != nil {
		return types.Call{}, err
	}
	return types.NewCall(meta, "Sudo.sudo", batch)
}

func (s *Submitter) sign(call types.Call) (types.Extrinsic, uint64, error) {
	ext := types.NewExtrinsic(call)

	genesis, err := s.api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return ext, 0, err
	}
	rv, err := s.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return ext, 0, err
	}
	var nonce uint64
	if err := s.api.Client.Call(&nonce, "system_accountNextIndex", s.signer.Address); err != nil {
		return ext, 0, fmt.Errorf("fetch nonce: %w", err)
	}

	err = ext.Sign(s.signer, types.SignatureOptions{
		BlockHash:          genesis,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        genesis,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        rv.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: rv.TransactionVersion,
	})
	return ext, nonce, err
}

// confirm checks the inclusion block's events for our extrinsic.
func (s *Submitter) confirm(hash types.Hash, encoded string) (int, error) {
	idx, err := s.extrinsicIndex(hash, encoded)
	if err != nil {
		return -1, unknown(err)
	}
	parsed, err := s.events.GetEvents(hash)
	if err != nil {
		return idx, unknown(fmt.Errorf("read events: %w", err))
	}
	records := make([]eventRecord, 0, len(parsed))
	for _, ev := range parsed {
		records = append(records, recordOf(ev))
	}
	return idx, batchOutcome(records, uint32(idx))
}

func (s *Submitter) extrinsicIndex(hash types.Hash, encoded string) (int, error) {
	var block struct {
		Block struct {
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := s.api.Client.Call(&block, "chain_getBlock", hash.Hex()); err != nil {
		return -1, fmt.Errorf("read block: %w", err)
	}
	return indexOf(block.Block.Extrinsics, encoded)
}

func indexOf(extrinsics []string, encoded string) (int, error) {
	for i, x := range extrinsics {
		if strings.EqualFold(x, encoded) {
			return i, nil
		}
	}
	return -1, errors.New("extrinsic not found in inclusion block")
}

// eventRecord is the part of a parsed event the outcome check needs.
type eventRecord struct {
	Name      string
	Extrinsic *uint32
}

func recordOf(ev *parser.Event) eventRecord {
	rec := eventRecord{Name: ev.Name}
	if ev.Phase != nil && ev.Phase.IsApplyExtrinsic {
		idx := ev.Phase.AsApplyExtrinsic
		rec.Extrinsic = &idx
	}
	return rec
}

// batchOutcome decides whether the extrinsic at index applied the whole
// batch. Sudo swallows inner errors into Sudid, so the absence of
// BatchCompleted is a failure even when ExtrinsicFailed is not emitted.
func batchOutcome(events []eventRecord, index uint32) error {
	var completed, interrupted, failed bool
	for _, ev := range events {
		if ev.Extrinsic == nil || *ev.Extrinsic != index {
			continue
		}
		switch ev.Name {
		case eventExtrinsicFailed:
			failed = true
		case eventBatchCompleted:
			completed = true
		case eventBatchInterrupt:
			interrupted = true
		}
	}
	switch {
	case failed:
		return errors.New("extrinsic failed")
	case interrupted:
		return errors.New("batch interrupted")
	case !completed:
		return errors.New("batch did not complete")
	}
	return nil
}

func statusName(st types.ExtrinsicStatus) string {
	switch {
	case st.IsFuture:
		return "future"
	case st.IsReady:
		return "ready"
	case st.IsBroadcast:
		return "broadcast"
	case st.IsInBlock:
		return "in block"
	case st.IsRetracted:
		return "retracted"
	case st.IsFinalityTimeout:
		return "finality timeout"
	case st.IsFinalized:
		return "finalized"
	case st.IsUsurped:
		return "usurped"
	case st.IsDropped:
		return "dropped"
	case st.IsInvalid:
		return "invalid"
	}
	return "unknown"
}
