package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"deslink/internal/chain"
	deserrors "deslink/internal/errors"
	"deslink/internal/wallet"

	"github.com/shopspring/decimal"
)

var errDeclined = errors.New("user rejected the request")

// promptApprover 在终端上确认钱包请求
func promptApprover(in io.Reader, out io.Writer) wallet.Approver {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, req wallet.ApprovalRequest) error {
		fmt.Fprintf(out, "%s [y/N]: ", describe(req))

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return errDeclined
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		default:
			return errDeclined
		}
	}
}

func describe(req wallet.ApprovalRequest) string {
	switch req.Kind {
	case wallet.ApproveConnect:
		return fmt.Sprintf("Connect account %s?", chain.ShortAddress(req.Account.Hex()))
	case wallet.ApproveSwitchChain:
		return fmt.Sprintf("Switch network to chain %s?", req.ChainID)
	case wallet.ApproveAddChain:
		return fmt.Sprintf("Add network with chain id %s?", req.ChainID)
	case wallet.ApproveSign:
		if req.Tx == nil {
			return "Sign transaction?"
		}
		to := "contract creation"
		if req.Tx.To() != nil {
			to = chain.ShortAddress(req.Tx.To().Hex())
		}
		value := decimal.NewFromBigInt(req.Tx.Value(), -18)
		return fmt.Sprintf("Sign transaction to %s (value %s ETH, gas %d)?", to, value.String(), req.Tx.Gas())
	default:
		return fmt.Sprintf("Approve %s request?", req.Kind)
	}
}

// userError 转换为面向用户的错误
func userError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(deserrors.UserMessage(err))
}
