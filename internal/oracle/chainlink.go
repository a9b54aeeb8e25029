package oracle

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

const aggregatorABIJSON = `[
  {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"latestRoundData","outputs":[
    {"internalType":"uint80","name":"roundId","type":"uint80"},
    {"internalType":"int256","name":"answer","type":"int256"},
    {"internalType":"uint256","name":"startedAt","type":"uint256"},
    {"internalType":"uint256","name":"updatedAt","type":"uint256"},
    {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain aggregator feed.
type ChainlinkOptions struct {
	RPCURL            string
	AggregatorAddress string
	Timeout           time.Duration
	// MaxAge rejects rounds whose updatedAt is older than this. Zero disables the check.
	MaxAge time.Duration
}

// ChainlinkFeed reads an AggregatorV3 price feed over Ethereum RPC.
type ChainlinkFeed struct {
	opts   ChainlinkOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	decimals  *uint8
}

// NewChainlinkFeed builds a new aggregator feed.
func NewChainlinkFeed(opts ChainlinkOptions, logger zerolog.Logger) *ChainlinkFeed {
	return &ChainlinkFeed{opts: opts, logger: logger.With().Str("component", "oracle_chainlink").Logger()}
}

// FetchPrice implements Feed.
func (c *ChainlinkFeed) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	if c.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(c.opts.AggregatorAddress) {
		return decimal.Decimal{}, fmt.Errorf("invalid aggregator address: %q", c.opts.AggregatorAddress)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	addr := common.HexToAddress(c.opts.AggregatorAddress)

	decimals, err := c.loadDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	if c.opts.MaxAge > 0 {
		age := time.Since(time.Unix(updatedAt.Int64(), 0))
		if age > c.opts.MaxAge {
			return decimal.Decimal{}, fmt.Errorf("aggregator round stale: %s old", age.Truncate(time.Second))
		}
	}

	return decimal.NewFromBigInt(answer, -int32(decimals)), nil
}

func (c *ChainlinkFeed) loadDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	c.clientMux.Lock()
	cached := c.decimals
	c.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	value, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals = &value
	c.clientMux.Unlock()
	return value, nil
}

func call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *ChainlinkFeed) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ Feed = (*ChainlinkFeed)(nil)
