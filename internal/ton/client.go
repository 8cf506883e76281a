package ton

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/liteclient"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/jetton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"

	"github.com/trustyclaw/settlement/internal/config"
)

const jettonDecimals = 6

// Client is the transfer executor backed by the TON network: payouts and
// refunds are jetton transfers from the custody hot wallet.
type Client struct {
	api          ton.APIClientWrapped
	wallet       *wallet.Wallet
	jettonMaster *address.Address
	cfg          *config.Config
	log          *zap.Logger
}

// Connect dials the lite server (or auto-discovers from the global config),
// opens the hot wallet from its seed and resolves the jetton master.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Client, error) {
	pool := liteclient.NewConnectionPool()

	if cfg.LiteServerHost != "" && cfg.LiteServerKey != "" {
		addr := fmt.Sprintf("%s:%d", cfg.LiteServerHost, cfg.LiteServerPort)
		log.Info("connecting to lite server", zap.String("addr", addr))
		if err := pool.AddConnection(ctx, addr, cfg.LiteServerKey); err != nil {
			return nil, fmt.Errorf("connect to lite server %s: %w", addr, err)
		}
	} else {
		var configURL string
		switch strings.ToLower(cfg.TONNetwork) {
		case "mainnet":
			configURL = "https://ton.org/global.config.json"
		default:
			configURL = "https://ton.org/testnet-global.config.json"
		}
		log.Info("connecting via global config", zap.String("url", configURL), zap.String("network", cfg.TONNetwork))
		if err := pool.AddConnectionsFromConfigUrl(ctx, configURL); err != nil {
			return nil, fmt.Errorf("connect via config %s: %w", configURL, err)
		}
	}

	proofPolicy := ton.ProofCheckPolicyFast
	if strings.ToLower(cfg.TONNetwork) == "mainnet" {
		proofPolicy = ton.ProofCheckPolicySecure
	}
	api := ton.NewAPIClient(pool, proofPolicy).WithRetry()

	if len(cfg.TONHotWalletSeed) == 0 {
		return nil, fmt.Errorf("hot wallet seed is not configured")
	}
	w, err := wallet.FromSeed(api, cfg.TONHotWalletSeed, wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("open hot wallet: %w", err)
	}

	master, err := address.ParseAddr(cfg.TONJettonMaster)
	if err != nil {
		return nil, fmt.Errorf("invalid jetton master address: %w", err)
	}

	log.Info("TON transfer executor ready",
		zap.String("hot_wallet", w.WalletAddress().String()),
		zap.String("jetton_master", master.String()),
		zap.String("network", cfg.TONNetwork))

	return &Client{api: api, wallet: w, jettonMaster: master, cfg: cfg, log: log}, nil
}

// Transfer sends amount (jetton base units) to the destination wallet and
// returns the transaction hash. Funds always leave the custody hot wallet;
// from identifies the ledger-side payer and goes into the transfer comment.
func (c *Client) Transfer(ctx context.Context, from, to string, amount int64) (string, error) {
	dst, err := address.ParseAddr(to)
	if err != nil {
		return "", fmt.Errorf("invalid destination address %q: %w", to, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.TransferTimeout)
	defer cancel()

	token := jetton.NewJettonMasterClient(c.api, c.jettonMaster)
	tokenWallet, err := token.GetJettonWallet(ctx, c.wallet.WalletAddress())
	if err != nil {
		return "", fmt.Errorf("resolve jetton wallet: %w", err)
	}

	coins, err := tlb.FromNano(big.NewInt(amount), jettonDecimals)
	if err != nil {
		return "", fmt.Errorf("invalid amount %d: %w", amount, err)
	}
	comment, err := wallet.CreateCommentCell(fmt.Sprintf("settlement from %s", from))
	if err != nil {
		return "", err
	}

	payload, err := tokenWallet.BuildTransferPayloadV2(dst, c.wallet.WalletAddress(), coins, tlb.ZeroCoins, comment, nil)
	if err != nil {
		return "", fmt.Errorf("build transfer payload: %w", err)
	}

	msg := wallet.SimpleMessage(tokenWallet.Address(), tlb.MustFromTON("0.05"), payload)
	tx, _, err := c.wallet.SendWaitTransaction(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send jetton transfer: %w", err)
	}

	ref := hex.EncodeToString(tx.Hash)
	c.log.Info("jetton transfer sent",
		zap.String("to", dst.String()),
		zap.Int64("amount", amount),
		zap.String("tx_hash", ref))
	return ref, nil
}

// IsValidAddress reports whether the string parses as a TON address.
func (c *Client) IsValidAddress(addr string) bool {
	_, err := address.ParseAddr(addr)
	return err == nil
}
