package reference

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[
 {"internalType":"uint80","name":"roundId","type":"uint80"},
 {"internalType":"int256","name":"answer","type":"int256"},
 {"internalType":"uint256","name":"startedAt","type":"uint256"},
 {"internalType":"uint256","name":"updatedAt","type":"uint256"},
 {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ContractCaller is the read-only RPC surface the fetcher needs.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain aggregator fetcher.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps symbols to AggregatorV3 proxy addresses.
	Feeds   map[string]string
	Timeout time.Duration
}

// Chainlink reads latestRoundData from price feed aggregators.
type Chainlink struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	callerMux sync.Mutex
	caller    ContractCaller
	decimals  map[common.Address]int32
}

func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: map[common.Address]int32{},
	}
}

// NewChainlinkWithCaller uses an existing RPC connection.
func NewChainlinkWithCaller(opts ChainlinkOptions, caller ContractCaller, logger zerolog.Logger) *Chainlink {
	c := NewChainlink(opts, logger)
	c.caller = caller
	return c
}

func (c *Chainlink) Name() string { return "chainlink" }

func (c *Chainlink) Fetch(ctx context.Context) ([]Price, error) {
	if len(c.opts.Feeds) == 0 {
		return nil, errors.New("no chainlink feeds configured")
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := c.getCaller(ctx)
	if err != nil {
		return nil, err
	}

	prices := make([]Price, 0, len(c.opts.Feeds))
	for symbol, hex := range c.opts.Feeds {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("chainlink feed %s: invalid address %q", symbol, hex)
		}
		p, err := c.latest(ctx, caller, common.HexToAddress(hex))
		if err != nil {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("chainlink read failed")
			continue
		}
		p.Symbol = symbol
		prices = append(prices, p)
	}
	return prices, nil
}

func (c *Chainlink) latest(ctx context.Context, caller ContractCaller, addr common.Address) (Price, error) {
	dec, err := c.feedDecimals(ctx, caller, addr)
	if err != nil {
		return Price{}, err
	}

	outputs, err := call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return Price{}, err
	}
	if len(outputs) != 5 {
		return Price{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Price{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return Price{}, fmt.Errorf("aggregator %s returned non-positive answer", addr.Hex())
	}

	return Price{
		Value:       decimal.NewFromBigInt(answer, -dec),
		PublishedAt: time.Unix(updatedAt.Int64(), 0),
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, caller ContractCaller, addr common.Address) (int32, error) {
	c.callerMux.Lock()
	dec, ok := c.decimals[addr]
	c.callerMux.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.callerMux.Lock()
	c.decimals[addr] = int32(d)
	c.callerMux.Unlock()
	return int32(d), nil
}

func call(ctx context.Context, caller ContractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", addr.Hex(), method, err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Chainlink) getCaller(ctx context.Context) (ContractCaller, error) {
	c.callerMux.Lock()
	defer c.callerMux.Unlock()

	if c.caller != nil {
		return c.caller, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.caller = client
	return client, nil
}

var _ Fetcher = (*Chainlink)(nil)
