// Package transfer decodes explorer event logs into inbound ERC20 transfers.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/types"
)

// Rejection reasons. Every log that does not become a transfer fails with
// an error wrapping exactly one of these.
var (
	ErrMalformedLog  = errors.New("malformed log")
	ErrMissingInput  = errors.New("missing block or transaction data")
	ErrWrongReceiver = errors.New("receiver mismatch")
	ErrNotTransfer   = errors.New("method is not transfer")
	ErrOutsideWindow = errors.New("block timestamp outside recency window")
)

// TransferEventTopic is topic0 of the ERC20 Transfer event
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

var selectors = map[string]types.TransferMethod{
	selector("transfer(address,uint256)"):             types.MethodTransfer,
	selector("approve(address,uint256)"):              types.MethodApprove,
	selector("transferFrom(address,address,uint256)"): types.MethodTransferFrom,
}

func selector(signature string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(signature))[:4])
}

// DecodeMethod maps the first four bytes of call input to a known method
func DecodeMethod(input string) types.TransferMethod {
	input = strings.ToLower(input)
	if len(input) < 10 || !strings.HasPrefix(input, "0x") {
		return types.MethodUnknown
	}
	if m, ok := selectors[input[:10]]; ok {
		return m
	}
	return types.MethodUnknown
}

// AddressTopic left-pads an address to a 32-byte topic, as explorers expect
func AddressTopic(address string) string {
	return common.BytesToHash(common.HexToAddress(address).Bytes()).Hex()
}

// BlockLookup resolves block timestamp and transaction input for one log
type BlockLookup interface {
	FetchBlockAndTx(ctx context.Context, network types.Network, blockNumber, txHash string) (*types.BlockAndTx, error)
}

// Rejected is a log that did not become a transfer
type Rejected struct {
	Log     types.RawLog
	Network types.Network
	Err     error
}

// Reason returns the rejection sentinel's text
func (r Rejected) Reason() string {
	for _, sentinel := range []error{ErrMalformedLog, ErrMissingInput, ErrWrongReceiver, ErrNotTransfer, ErrOutsideWindow} {
		if errors.Is(r.Err, sentinel) {
			return sentinel.Error()
		}
	}
	return r.Err.Error()
}

// Parser filters logs down to recent inbound transfer() calls to the receiver
type Parser struct {
	receiver    common.Address
	window      time.Duration
	lookup      BlockLookup
	concurrency int
	now         func() time.Time
}

// NewParser creates a parser for transfers into receiver no older than window
func NewParser(receiver string, window time.Duration, lookup BlockLookup) *Parser {
	return &Parser{
		receiver:    common.HexToAddress(receiver),
		window:      window,
		lookup:      lookup,
		concurrency: 4,
		now:         time.Now,
	}
}

// Receiver returns the configured receiver address
func (p *Parser) Receiver() common.Address {
	return p.receiver
}

// ParseAll parses every log of one network. Lookups run concurrently;
// output order follows input order.
func (p *Parser) ParseAll(ctx context.Context, network types.Network, logs []types.RawLog) ([]*types.OnChainTransfer, []Rejected) {
	results := make([]*types.OnChainTransfer, len(logs))
	errs := make([]error, len(logs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range logs {
		g.Go(func() error {
			results[i], errs[i] = p.Parse(gctx, network, logs[i])
			return nil
		})
	}
	_ = g.Wait()

	var (
		transfers []*types.OnChainTransfer
		rejected  []Rejected
	)
	for i := range logs {
		if errs[i] != nil {
			rejected = append(rejected, Rejected{Log: logs[i], Network: network, Err: errs[i]})
			continue
		}
		transfers = append(transfers, results[i])
	}
	return transfers, rejected
}

// Parse turns one log into a transfer, or returns an error wrapping the
// reason it was rejected.
func (p *Parser) Parse(ctx context.Context, network types.Network, log types.RawLog) (*types.OnChainTransfer, error) {
	topics, err := stringTopics(log.Topics)
	if err != nil {
		return nil, err
	}

	to, err := topicAddress(topics[2])
	if err != nil {
		return nil, err
	}
	if to != p.receiver {
		return nil, fmt.Errorf("%w: %s", ErrWrongReceiver, to.Hex())
	}

	if log.TransactionHash == "" || log.BlockNumber == "" {
		return nil, fmt.Errorf("%w: missing transaction hash or block number", ErrMalformedLog)
	}

	info, err := p.lookup.FetchBlockAndTx(ctx, network, log.BlockNumber, log.TransactionHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	if info == nil || info.Input == "" {
		return nil, fmt.Errorf("%w: empty transaction input", ErrMissingInput)
	}

	method := DecodeMethod(info.Input)
	if method != types.MethodTransfer {
		return nil, fmt.Errorf("%w: %s", ErrNotTransfer, method)
	}

	now := p.now()
	if info.Timestamp.Before(now.Add(-p.window)) || info.Timestamp.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideWindow, info.Timestamp.Format(time.RFC3339))
	}

	from, err := topicAddress(topics[1])
	if err != nil {
		return nil, err
	}
	value, err := decodeValue(log.Data)
	if err != nil {
		return nil, err
	}
	blockNumber, err := parseQuantity(log.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: block number %q", ErrMalformedLog, log.BlockNumber)
	}

	transfer := &types.OnChainTransfer{
		From:            strings.ToLower(from.Hex()),
		To:              strings.ToLower(to.Hex()),
		Value:           value,
		TransactionHash: strings.ToLower(log.TransactionHash),
		BlockNumber:     blockNumber,
		BlockHash:       log.BlockHash,
		GasPrice:        quantityString(log.GasPrice),
		GasUsed:         quantityString(log.GasUsed),
		Network:         network,
		CreateDate:      info.Timestamp,
		Method:          method,
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"network": network,
		"tx_hash": transfer.TransactionHash,
		"value":   value.String(),
	}).Debug("Parsed inbound transfer")

	return transfer, nil
}

func stringTopics(raw []interface{}) ([]string, error) {
	if len(raw) < 3 {
		return nil, fmt.Errorf("%w: %d topics", ErrMalformedLog, len(raw))
	}
	topics := make([]string, 3)
	for i := 0; i < 3; i++ {
		s, ok := raw[i].(string)
		if !ok {
			return nil, fmt.Errorf("%w: topic %d is not a string", ErrMalformedLog, i)
		}
		topics[i] = s
	}
	return topics, nil
}

func topicAddress(topic string) (common.Address, error) {
	b, err := hexutil.Decode(topic)
	if err != nil || len(b) != common.HashLength {
		return common.Address{}, fmt.Errorf("%w: bad address topic %q", ErrMalformedLog, topic)
	}
	return common.BytesToAddress(b), nil
}

func decodeValue(data string) (*big.Int, error) {
	b, err := hexutil.Decode(data)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: bad data %q", ErrMalformedLog, data)
	}
	return new(big.Int).SetBytes(b), nil
}

// parseQuantity accepts hex quantities with or without leading zeros,
// and plain decimal strings
func parseQuantity(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// quantityString renders a hex quantity in decimal; unparsable input is kept as is
func quantityString(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if n, ok := new(big.Int).SetString(s[2:], 16); ok {
			return n.String()
		}
	}
	return s
}
