package onchain

// settle.go — on-chain CTF settlement for full-set pairs.
//
// The CTF (Conditional Token Framework) mergePositions() function burns
// matched YES+NO pairs and returns USDC.e collateral one-to-one:
//   100 YES + 100 NO → $100 USDC.e
//
// This file handles:
//   - merge transaction submission with a caller-supplied gas multiplier
//   - receipt polling as a separate step, so retries re-submit instead
//     of re-waiting
//   - ERC1155/ERC20 approval checks and setup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	polygonChainID = int64(137)

	// USDC.e collateral on Polygon
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	// CTF contract, holder of the conditional tokens (ERC1155)
	ctfAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	// Exchange contracts that need ERC1155 setApprovalForAll
	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	// Gas limits (conservative upper bounds)
	mergeGasLimit    = uint64(200_000)
	approvalGasLimit = uint64(80_000)

	// POL price fallback (USD) when no oracle is reachable
	polPriceFallbackUSD = 0.12

	gasPriceUpdateInterval = 5 * time.Minute
	receiptPollInterval    = 3 * time.Second
	receiptTimeout         = 90 * time.Second
)

var (
	ctfABI     abi.ABI
	erc1155ABI abi.ABI
	erc20ABI   abi.ABI
)

func init() {
	var err error

	ctfABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "mergePositions",
			"type": "function",
			"inputs": [
				{"name": "collateralToken", "type": "address"},
				{"name": "parentCollectionId", "type": "bytes32"},
				{"name": "conditionId", "type": "bytes32"},
				{"name": "partition", "type": "uint256[]"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": []
		}
	]`))
	if err != nil {
		panic("ctf abi parse: " + err.Error())
	}

	erc1155ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "setApprovalForAll",
			"type": "function",
			"inputs": [
				{"name": "operator", "type": "address"},
				{"name": "approved", "type": "bool"}
			],
			"outputs": []
		},
		{
			"name": "isApprovedForAll",
			"type": "function",
			"inputs": [
				{"name": "account", "type": "address"},
				{"name": "operator", "type": "address"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		}
	]`))
	if err != nil {
		panic("erc1155 abi parse: " + err.Error())
	}

	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "approve",
			"type": "function",
			"inputs": [
				{"name": "spender", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "allowance",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// SettleClient implements ports.SettlementClient against a Polygon RPC.
type SettleClient struct {
	client     *ethclient.Client
	privateKey []byte
	address    common.Address
	httpClient *http.Client

	mu             sync.RWMutex
	cachedGasWei   *big.Int
	gasUpdatedAt   time.Time
	cachedPOLPrice float64
	polPriceAt     time.Time
}

// NewSettleClient connects to the given Polygon RPC.
// privateKeyHex is without 0x prefix.
func NewSettleClient(rpcURL, privateKeyHex string) (*SettleClient, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settle: decode private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("settle: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("settle: dial rpc %s: %w", rpcURL, err)
	}

	return &SettleClient{
		client:     client,
		privateKey: pkBytes,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// MergePositions submits the merge transaction and returns its hash
// without waiting for inclusion. size is in shares (= USDC received).
// gasMult scales the suggested gas price; retries pass > 1.0 to replace
// a stuck transaction.
func (sc *SettleClient) MergePositions(ctx context.Context, conditionID string, size, gasMult float64) (string, error) {
	condBytes, err := hexToBytes32(conditionID)
	if err != nil {
		return "", fmt.Errorf("settle: invalid conditionID %s: %w", conditionID, err)
	}

	amountInt := new(big.Int).SetInt64(int64(size * 1_000_000))
	partition := []*big.Int{big.NewInt(1), big.NewInt(2)}

	callData, err := ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcEAddress),
		[32]byte{},
		condBytes,
		partition,
		amountInt,
	)
	if err != nil {
		return "", fmt.Errorf("settle: pack: %w", err)
	}

	gasPrice, err := sc.getGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("settle: gas price: %w", err)
	}
	if gasMult > 1 {
		scaled := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(gasMult))
		gasPrice, _ = scaled.Int(nil)
	}

	ctfAddr := common.HexToAddress(ctfAddress)
	gasEstimate, err := sc.client.EstimateGas(ctx, ethereum.CallMsg{
		From:     sc.address,
		To:       &ctfAddr,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		gasEstimate = mergeGasLimit
		slog.Warn("settle: gas estimate failed, using default", "err", err, "limit", mergeGasLimit)
	}
	// 20% buffer
	gasEstimate = gasEstimate * 12 / 10

	signedTx, err := sc.signAndSend(ctx, ctfAddr, gasEstimate, gasPrice, callData)
	if err != nil {
		return "", fmt.Errorf("settle: send merge: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	slog.Info("settle: merge transaction sent",
		"condition", shortHex(conditionID),
		"size", size,
		"gas_mult", gasMult,
		"tx", txHash)
	return txHash, nil
}

// WaitForConfirmation polls for the receipt until mined or timeout.
// A reverted receipt is an error; the caller decides whether to retry.
func (sc *SettleClient) WaitForConfirmation(ctx context.Context, txHash string) error {
	waitCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	receipt, err := sc.waitForReceipt(waitCtx, common.HexToHash(txHash))
	if err != nil {
		return fmt.Errorf("settle: receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("settle: tx reverted on-chain: %s", txHash)
	}

	slog.Info("settle: merge confirmed", "tx", txHash, "gas_used", receipt.GasUsed)
	return nil
}

// EstimateGasCostUSD returns the estimated USD cost of a merge at the
// current gas price.
func (sc *SettleClient) EstimateGasCostUSD(ctx context.Context) (float64, error) {
	gasPrice, err := sc.getGasPrice(ctx)
	if err != nil {
		return sc.polPriceUSD() * float64(mergeGasLimit) * 100e-9, nil
	}

	gasCostPOL := new(big.Float).SetInt(new(big.Int).Mul(gasPrice, big.NewInt(int64(mergeGasLimit))))
	gasCostPOL.Quo(gasCostPOL, big.NewFloat(1e18))

	gasCostPOLf, _ := gasCostPOL.Float64()
	return gasCostPOLf * sc.polPriceUSD(), nil
}

// EnsureApprovals checks and sets both:
//   - ERC1155 setApprovalForAll on the three exchange contracts
//   - ERC20 USDC.e approve for both exchange contracts
//
// Idempotent; run during preflight before any order touches the CLOB.
func (sc *SettleClient) EnsureApprovals(ctx context.Context) error {
	operators := []string{normalExchange, negRiskExchange, negRiskAdapter}

	for _, op := range operators {
		approved, err := sc.isApprovedForAll(ctx, common.HexToAddress(op))
		if err != nil {
			return fmt.Errorf("check ERC1155 approval for %s: %w", op, err)
		}
		if approved {
			continue
		}

		slog.Info("settle: setting ERC1155 approval", "operator", op)
		if err := sc.setApprovalForAll(ctx, common.HexToAddress(op)); err != nil {
			return fmt.Errorf("set ERC1155 approval for %s: %w", op, err)
		}
	}

	exchanges := []string{normalExchange, negRiskExchange}
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	minAllowance := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000)) // 1M USDC.e

	for _, ex := range exchanges {
		allowance, err := sc.erc20Allowance(ctx, common.HexToAddress(usdcEAddress), common.HexToAddress(ex))
		if err != nil {
			return fmt.Errorf("check USDC.e allowance for %s: %w", ex, err)
		}
		if allowance.Cmp(minAllowance) >= 0 {
			continue
		}

		slog.Info("settle: setting USDC.e approval", "exchange", ex)
		if err := sc.erc20Approve(ctx, common.HexToAddress(usdcEAddress), common.HexToAddress(ex), maxUint256); err != nil {
			return fmt.Errorf("set USDC.e approval for %s: %w", ex, err)
		}
	}

	return nil
}

// signAndSend builds, signs (EIP-155) and broadcasts a transaction.
func (sc *SettleClient) signAndSend(ctx context.Context, to common.Address, gasLimit uint64, gasPrice *big.Int, callData []byte) (*types.Transaction, error) {
	privKey, err := crypto.ToECDSA(sc.privateKey)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	nonce, err := sc.client.PendingNonceAt(ctx, sc.address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), privKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := sc.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	return signed, nil
}

// isApprovedForAll checks ERC1155 approval for an operator on the CTF contract.
func (sc *SettleClient) isApprovedForAll(ctx context.Context, operator common.Address) (bool, error) {
	callData, err := erc1155ABI.Pack("isApprovedForAll", sc.address, operator)
	if err != nil {
		return false, err
	}

	ctfAddr := common.HexToAddress(ctfAddress)
	result, err := sc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &ctfAddr,
		Data: callData,
	}, nil)
	if err != nil {
		return false, err
	}

	vals, err := erc1155ABI.Unpack("isApprovedForAll", result)
	if err != nil || len(vals) == 0 {
		return false, err
	}
	return vals[0].(bool), nil
}

func (sc *SettleClient) setApprovalForAll(ctx context.Context, operator common.Address) error {
	callData, err := erc1155ABI.Pack("setApprovalForAll", operator, true)
	if err != nil {
		return err
	}

	gasPrice, err := sc.getGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	signed, err := sc.signAndSend(ctx, common.HexToAddress(ctfAddress), approvalGasLimit, gasPrice, callData)
	if err != nil {
		return err
	}

	receiptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	receipt, err := sc.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("wait receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("setApprovalForAll tx reverted")
	}
	return nil
}

func (sc *SettleClient) erc20Allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("allowance", sc.address, spender)
	if err != nil {
		return nil, err
	}

	result, err := sc.client.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, err
	}

	vals, err := erc20ABI.Unpack("allowance", result)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

func (sc *SettleClient) erc20Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	callData, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return err
	}

	gasPrice, err := sc.getGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}

	signed, err := sc.signAndSend(ctx, token, approvalGasLimit, gasPrice, callData)
	if err != nil {
		return err
	}

	receiptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	receipt, err := sc.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("wait receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("ERC20 approve tx reverted")
	}
	return nil
}

// getGasPrice returns the current gas price with a 10% inclusion buffer,
// cached to avoid hammering the RPC.
func (sc *SettleClient) getGasPrice(ctx context.Context) (*big.Int, error) {
	sc.mu.RLock()
	cached := sc.cachedGasWei
	updatedAt := sc.gasUpdatedAt
	sc.mu.RUnlock()

	if cached != nil && time.Since(updatedAt) < gasPriceUpdateInterval {
		return cached, nil
	}

	price, err := sc.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return big.NewInt(30_000_000_000), nil // 30 gwei fallback
	}

	buffered := new(big.Int).Mul(price, big.NewInt(11))
	buffered.Div(buffered, big.NewInt(10))

	sc.mu.Lock()
	sc.cachedGasWei = buffered
	sc.gasUpdatedAt = time.Now()
	sc.mu.Unlock()

	return buffered, nil
}

// polPriceUSD returns the cached POL price, refreshing from CoinGecko if stale.
func (sc *SettleClient) polPriceUSD() float64 {
	sc.mu.RLock()
	price := sc.cachedPOLPrice
	updatedAt := sc.polPriceAt
	sc.mu.RUnlock()

	if price > 0 && time.Since(updatedAt) < 15*time.Minute {
		return price
	}

	fetched, err := sc.fetchPOLPrice()
	if err != nil {
		slog.Warn("settle: failed to fetch POL price, using fallback", "err", err)
		if price > 0 {
			return price
		}
		return polPriceFallbackUSD
	}

	sc.mu.Lock()
	sc.cachedPOLPrice = fetched
	sc.polPriceAt = time.Now()
	sc.mu.Unlock()

	return fetched
}

// fetchPOLPrice queries CoinGecko for the current POL/USD price.
func (sc *SettleClient) fetchPOLPrice() (float64, error) {
	const url = "https://api.coingecko.com/api/v3/simple/price?ids=polygon-ecosystem-token&vs_currencies=usd"

	resp, err := sc.httpClient.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coingecko status %d: %s", resp.StatusCode, body)
	}

	var data map[string]map[string]float64
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}

	price, ok := data["polygon-ecosystem-token"]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("POL price not found in response")
	}
	return price, nil
}

// waitForReceipt polls for a transaction receipt until mined or timeout.
func (sc *SettleClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := sc.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

func shortHex(s string) string {
	if len(s) > 12 {
		return s[:12] + "..."
	}
	return s
}

// hexToBytes32 converts a 0x-prefixed hex string to [32]byte.
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
