package cctp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sardislabs/sardis/internal/rails/evm"
	"github.com/sardislabs/sardis/internal/signer"
)

// CCTP domain identifiers assigned by Circle.
var cctpDomains = map[string]uint32{
	"ethereum": 0,
	"optimism": 2,
	"arbitrum": 3,
	"base":     6,
	"polygon":  7,
}

// approve(address,uint256)
const approveSelector = "095ea7b3"

// depositForBurn(uint256,uint32,bytes32,address)
const depositForBurnSelector = "6fd3504e"

// receiveMessage(bytes,bytes)
const receiveMessageSelector = "57ecfd28"

const (
	approveGasLimit        = 60000
	depositForBurnGasLimit = 200000
	receiveMessageGasLimit = 250000
)

// keccak256("MessageSent(bytes)")
var messageSentTopic = ethcrypto.Keccak256Hash([]byte("MessageSent(bytes)"))

// Endpoint bundles one chain's client with its CCTP contract addresses.
type Endpoint struct {
	Chain       evm.ChainConfig
	Client      evm.Client
	Messenger   common.Address // TokenMessenger
	Transmitter common.Address // MessageTransmitter
}

// DialEndpoint connects one chain leg, resolving its CCTP contracts.
func DialEndpoint(chain evm.ChainConfig, tokenMessenger, messageTransmitter string) (Endpoint, error) {
	client, err := ethclient.Dial(chain.RPCURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("cctp: dial %s: %w", chain.Name, err)
	}
	return Endpoint{
		Chain:       chain,
		Client:      client,
		Messenger:   common.HexToAddress(tokenMessenger),
		Transmitter: common.HexToAddress(messageTransmitter),
	}, nil
}

// EVMMessenger executes the burn and mint legs on EVM chains. It implements
// both Burner and Minter for an EVM-to-EVM transfer.
type EVMMessenger struct {
	source      Endpoint
	dest        Endpoint
	signer      signer.Signer
	nonces      *evm.NonceTracker
	receiptWait time.Duration
	pollEvery   time.Duration
}

// NewEVMMessenger wires the two endpoints with a shared signer and nonce
// tracker.
func NewEVMMessenger(source, dest Endpoint, sign signer.Signer, nonces *evm.NonceTracker) *EVMMessenger {
	if nonces == nil {
		nonces = evm.NewNonceTracker()
	}
	return &EVMMessenger{
		source:      source,
		dest:        dest,
		signer:      sign,
		nonces:      nonces,
		receiptWait: 2 * time.Minute,
		pollEvery:   2 * time.Second,
	}
}

// DepositForBurn approves the TokenMessenger for the amount, burns the USDC,
// and returns the burn transaction hash plus the emitted CCTP message and its
// keccak hash.
func (m *EVMMessenger) DepositForBurn(ctx context.Context, t Transfer) (BurnResult, error) {
	usdc, err := m.source.Chain.TokenAddress("USDC")
	if err != nil {
		return BurnResult{}, err
	}
	destDomain, ok := cctpDomains[t.DestChain]
	if !ok {
		return BurnResult{}, fmt.Errorf("cctp: chain %q has no CCTP domain", t.DestChain)
	}
	sender, err := senderAddress(t)
	if err != nil {
		return BurnResult{}, err
	}

	approveData := encodeApprove(m.source.Messenger, big.NewInt(t.AmountMinor))
	if _, err := m.sendAndWait(ctx, m.source, t.WalletID, sender, common.HexToAddress(usdc), approveData, approveGasLimit); err != nil {
		return BurnResult{}, fmt.Errorf("cctp: approve: %w", err)
	}

	burnData := encodeDepositForBurn(big.NewInt(t.AmountMinor), destDomain,
		common.HexToAddress(t.Recipient), common.HexToAddress(usdc))
	receipt, err := m.sendAndWait(ctx, m.source, t.WalletID, sender, m.source.Messenger, burnData, depositForBurnGasLimit)
	if err != nil {
		return BurnResult{}, fmt.Errorf("cctp: depositForBurn: %w", err)
	}

	message, err := extractSentMessage(receipt.logs)
	if err != nil {
		return BurnResult{}, err
	}
	return BurnResult{
		TxHash:      receipt.txHash,
		MessageHash: ethcrypto.Keccak256Hash(message).Hex(),
		MessageBody: "0x" + hex.EncodeToString(message),
	}, nil
}

// ReceiveMessage submits the attested message to the destination
// MessageTransmitter, which mints the USDC.
func (m *EVMMessenger) ReceiveMessage(ctx context.Context, t Transfer) (string, error) {
	message, err := hex.DecodeString(trim0x(t.MessageBody))
	if err != nil {
		return "", fmt.Errorf("cctp: decode message body: %w", err)
	}
	attestation, err := hex.DecodeString(trim0x(t.Attestation))
	if err != nil {
		return "", fmt.Errorf("cctp: decode attestation: %w", err)
	}
	sender, err := senderAddress(t)
	if err != nil {
		return "", err
	}

	data := encodeReceiveMessage(message, attestation)
	receipt, err := m.sendAndWait(ctx, m.dest, t.WalletID, sender, m.dest.Transmitter, data, receiveMessageGasLimit)
	if err != nil {
		return "", fmt.Errorf("cctp: receiveMessage: %w", err)
	}
	return receipt.txHash, nil
}

type txOutcome struct {
	txHash string
	logs   []txLog
}

type txLog struct {
	topics []common.Hash
	data   []byte
}

func (m *EVMMessenger) sendAndWait(ctx context.Context, ep Endpoint, walletID string, from common.Address, to common.Address, data []byte, gasLimit uint64) (txOutcome, error) {
	tx, err := evm.BuildSignedTx(ctx, ep.Client, ep.Chain.ChainID, m.signer, m.nonces,
		walletID, from.Hex(), to, data, gasLimit)
	if err != nil {
		return txOutcome{}, err
	}
	if err := ep.Client.SendTransaction(ctx, tx); err != nil {
		m.nonces.Invalidate(from.Hex(), ep.Chain.ChainID)
		return txOutcome{}, err
	}

	deadline := time.Now().Add(m.receiptWait)
	for {
		receipt, err := ep.Client.TransactionReceipt(ctx, tx.Hash())
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return txOutcome{}, err
		}
		if receipt != nil {
			if receipt.Status == 0 {
				return txOutcome{}, fmt.Errorf("transaction %s reverted", tx.Hash().Hex())
			}
			out := txOutcome{txHash: tx.Hash().Hex()}
			for _, l := range receipt.Logs {
				out.logs = append(out.logs, txLog{topics: l.Topics, data: l.Data})
			}
			return out, nil
		}
		if time.Now().After(deadline) {
			return txOutcome{}, fmt.Errorf("transaction %s not mined within %s", tx.Hash().Hex(), m.receiptWait)
		}
		select {
		case <-ctx.Done():
			return txOutcome{}, ctx.Err()
		case <-time.After(m.pollEvery):
		}
	}
}

func senderAddress(t Transfer) (common.Address, error) {
	// WalletID doubles as the key reference; the sender address rides on the
	// transfer so both legs sign from the same account.
	if !common.IsHexAddress(t.SenderAddress) {
		return common.Address{}, fmt.Errorf("cctp: malformed sender address %q", t.SenderAddress)
	}
	return common.HexToAddress(t.SenderAddress), nil
}

func encodeApprove(spender common.Address, amount *big.Int) []byte {
	selector, _ := hex.DecodeString(approveSelector)
	data := append([]byte{}, selector...)
	data = append(data, common.LeftPadBytes(spender.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

func encodeDepositForBurn(amount *big.Int, destDomain uint32, mintRecipient, burnToken common.Address) []byte {
	selector, _ := hex.DecodeString(depositForBurnSelector)
	data := append([]byte{}, selector...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(uint64(destDomain)).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(mintRecipient.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(burnToken.Bytes(), 32)...)
	return data
}

func encodeReceiveMessage(message, attestation []byte) []byte {
	selector, _ := hex.DecodeString(receiveMessageSelector)
	// Two dynamic bytes arguments: head holds the two offsets, tail holds
	// length-prefixed padded payloads.
	msgPart := append(common.LeftPadBytes(big.NewInt(int64(len(message))).Bytes(), 32), rightPad32(message)...)
	data := append([]byte{}, selector...)
	data = append(data, common.LeftPadBytes(big.NewInt(64).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(64+len(msgPart))).Bytes(), 32)...)
	data = append(data, msgPart...)
	data = append(data, common.LeftPadBytes(big.NewInt(int64(len(attestation))).Bytes(), 32)...)
	data = append(data, rightPad32(attestation)...)
	return data
}

func rightPad32(b []byte) []byte {
	if rem := len(b) % 32; rem != 0 {
		return append(append([]byte{}, b...), make([]byte, 32-rem)...)
	}
	return b
}

// extractSentMessage pulls the raw CCTP message out of the MessageSent event.
// The event data is a single ABI-encoded bytes value: offset, length, payload.
func extractSentMessage(logs []txLog) ([]byte, error) {
	for _, l := range logs {
		if len(l.topics) == 0 || l.topics[0] != messageSentTopic {
			continue
		}
		if len(l.data) < 64 {
			return nil, fmt.Errorf("cctp: MessageSent data too short")
		}
		length := new(big.Int).SetBytes(l.data[32:64]).Int64()
		if int64(len(l.data)) < 64+length {
			return nil, fmt.Errorf("cctp: MessageSent payload truncated")
		}
		return l.data[64 : 64+length], nil
	}
	return nil, fmt.Errorf("cctp: no MessageSent event in receipt")
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
