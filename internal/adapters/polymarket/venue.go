package polymarket

// venue.go — ejecución real de órdenes contra el CLOB de Polymarket.
//
// Implementa ports.OrderVenue y ports.BalanceProvider sobre AuthClient.
// Todas las órdenes se colocan como límites BUY GTC; el estado del leg
// siempre sale de re-consultar la Data API, nunca de asumir el cancel.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/fullset/internal/domain"
)

const (
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

var (
	erc20BalanceABI   abi.ABI
	erc1155BalanceABI abi.ABI
)

func init() {
	var err error
	erc20BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
	erc1155BalanceABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf erc1155 abi: " + err.Error())
	}
}

// Venue implementa ports.OrderVenue y ports.BalanceProvider.
type Venue struct {
	auth      *AuthClient
	rpcClient *ethclient.Client
}

// NewVenue crea el venue. rpcURL se usa para el balance on-chain.
func NewVenue(auth *AuthClient, rpcURL string) (*Venue, error) {
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("venue: dial rpc: %w", err)
	}
	return &Venue{auth: auth, rpcClient: rpc}, nil
}

// NewVenueWithoutRPC crea el venue sin conexión RPC. AvailableCapital y
// TokenBalance devuelven error; el resto funciona. Usado en tests.
func NewVenueWithoutRPC(auth *AuthClient) *Venue {
	return &Venue{auth: auth}
}

// SubmitLimitOrder firma y envía una orden límite BUY GTC al CLOB.
func (v *Venue) SubmitLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return domain.OrderAck{}, fmt.Errorf("submit order: creds: %w", err)
	}

	signed, err := v.auth.buildSignedOrder(req.TokenID, req.Price, req.Size, req.NegRisk)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("submit order: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          req.Side,
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     v.auth.creds.APIKey,
		OrderType: "GTC",
	}

	var resp clobOrderResponse
	if err := v.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return domain.OrderAck{}, fmt.Errorf("submit order: post: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.OrderAck{}, fmt.Errorf("submit order: clob error: %s", resp.ErrorMsg)
	}

	// taking/making amounts llegan en micro-unidades; taking son shares.
	return domain.OrderAck{
		OrderID:   resp.OrderID,
		Status:    resp.Status,
		TakenSize: parseMicroUnits(resp.TakingAmount),
		MadeSize:  parseMicroUnits(resp.MakingAmount),
	}, nil
}

// OrderStatus consulta la Data API por el estado actual de una orden.
func (v *Venue) OrderStatus(ctx context.Context, orderID string) (domain.OrderState, error) {
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return domain.OrderState{}, fmt.Errorf("order status: creds: %w", err)
	}

	var resp clobOpenOrder
	if err := v.auth.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, &resp); err != nil {
		return domain.OrderState{}, fmt.Errorf("order status %s: %w", orderID, err)
	}
	return mapOrderState(resp), nil
}

// CancelOrder cancela una orden. alreadyFinal=true cuando el CLOB la
// reporta como ya casada o cancelada en lugar de cancelarla ahora.
func (v *Venue) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return false, fmt.Errorf("cancel order: creds: %w", err)
	}

	var resp clobCancelResponse
	if err := v.auth.doL2(ctx, http.MethodDelete, "/order/"+orderID, nil, &resp); err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	if reason, notCanceled := resp.NotCanceled[orderID]; notCanceled {
		lower := strings.ToLower(reason)
		if strings.Contains(lower, "match") || strings.Contains(lower, "filled") ||
			strings.Contains(lower, "cancel") {
			return true, nil
		}
		return false, fmt.Errorf("cancel order %s rejected: %s", orderID, reason)
	}
	return false, nil
}

// OpenOrders devuelve todas las órdenes abiertas de esta wallet.
func (v *Venue) OpenOrders(ctx context.Context) ([]domain.OrderState, error) {
	if err := v.auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("open orders: creds: %w", err)
	}

	var resp clobOrdersResponse
	if err := v.auth.doL2(ctx, http.MethodGet, "/data/orders", nil, &resp); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	orders := make([]domain.OrderState, 0, len(resp.Data))
	for _, o := range resp.Data {
		orders = append(orders, mapOrderState(o))
	}
	return orders, nil
}

// AvailableCapital devuelve el balance USDC.e on-chain de la wallet.
func (v *Venue) AvailableCapital(ctx context.Context) (float64, error) {
	if v.rpcClient == nil {
		return 0, fmt.Errorf("available capital: no rpc client configured")
	}

	callData, err := erc20BalanceABI.Pack("balanceOf", v.auth.address)
	if err != nil {
		return 0, fmt.Errorf("available capital: pack: %w", err)
	}

	token := common.HexToAddress(usdcEAddress)
	result, err := v.rpcClient.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("available capital: rpc call: %w", err)
	}

	vals, err := erc20BalanceABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("available capital: unpack: %w", err)
	}

	raw := vals[0].(*big.Int)
	bal, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return bal, nil
}

// TokenBalance devuelve el balance ERC-1155 on-chain de un conditional
// token, en shares. Usado para verificar inventario varado.
func (v *Venue) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	if v.rpcClient == nil {
		return 0, fmt.Errorf("token balance: no rpc client configured")
	}

	tid := new(big.Int)
	if _, ok := tid.SetString(tokenID, 10); !ok {
		tidBytes, err := hex.DecodeString(strings.TrimPrefix(tokenID, "0x"))
		if err != nil {
			return 0, fmt.Errorf("token balance: invalid token ID: %s", tokenID)
		}
		tid.SetBytes(tidBytes)
	}

	callData, err := erc1155BalanceABI.Pack("balanceOf", v.auth.address, tid)
	if err != nil {
		return 0, fmt.Errorf("token balance: pack: %w", err)
	}

	ctf := common.HexToAddress(ctfAddress)
	result, err := v.rpcClient.CallContract(ctx, ethereum.CallMsg{
		To:   &ctf,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("token balance: call: %w", err)
	}

	vals, err := erc1155BalanceABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("token balance: unpack: %w", err)
	}

	raw := vals[0].(*big.Int)
	shares, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return shares, nil
}

// EnsureCreds deriva las credenciales L1 si aún no existen.
// Expuesto para el preflight de arranque.
func (v *Venue) EnsureCreds(ctx context.Context) error {
	return v.auth.EnsureCreds(ctx)
}

// Address devuelve la dirección de la wallet.
func (v *Venue) Address() string {
	return v.auth.Address()
}
