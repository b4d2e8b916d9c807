package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// rawAccount is one program-owned account as returned by the cluster.
type rawAccount struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

type accountSource interface {
	Slot(ctx context.Context) (uint64, error)
	ProgramAccounts(ctx context.Context, programID solana.PublicKey, discriminator [8]byte, dataSize uint64) ([]rawAccount, error)
}

type rpcSource struct {
	client     *rpc.Client
	commitment rpc.CommitmentType
	retry      retryPolicy
	logger     *slog.Logger
}

func newRPCSource(client *rpc.Client, commitment rpc.CommitmentType, retry retryPolicy, logger *slog.Logger) *rpcSource {
	return &rpcSource{client: client, commitment: commitment, retry: retry, logger: logger}
}

func (s *rpcSource) Slot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := s.retry.do(ctx, s.logger, "get slot", func(ctx context.Context) error {
		var err error
		slot, err = s.client.GetSlot(ctx, s.commitment)
		return err
	})
	return slot, err
}

func (s *rpcSource) ProgramAccounts(ctx context.Context, programID solana.PublicKey, discriminator [8]byte, dataSize uint64) ([]rawAccount, error) {
	var out rpc.GetProgramAccountsResult
	err := s.retry.do(ctx, s.logger, "get program accounts", func(ctx context.Context) error {
		var err error
		out, err = s.client.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.commitment,
			Filters: []rpc.RPCFilter{
				{DataSize: dataSize},
				{
					Memcmp: &rpc.RPCFilterMemcmp{
						Offset: 0,
						Bytes:  solana.Base58(discriminator[:]),
					},
				},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	accounts := make([]rawAccount, 0, len(out))
	for _, item := range out {
		if item == nil || item.Account == nil || item.Account.Data == nil {
			continue
		}
		accounts = append(accounts, rawAccount{
			Address:  item.Pubkey,
			Owner:    item.Account.Owner,
			Lamports: item.Account.Lamports,
			Data:     item.Account.Data.GetBinary(),
		})
	}
	return accounts, nil
}

type retryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// do runs fn until it succeeds, ctx ends, or MaxRetries retries have failed.
// The wait doubles after each failure, capped at MaxDelay.
func (p retryPolicy) do(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	delay := p.BaseDelay
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.Warn("rpc call failed, retrying", "op", op, "attempt", attempt, "delay", delay.String(), "err", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay = nextBackoff(delay, p.BaseDelay, p.MaxDelay)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
	}
	return fmt.Errorf("%s: giving up after %d retries: %w", op, p.MaxRetries, lastErr)
}

func nextBackoff(current, floor, ceiling time.Duration) time.Duration {
	if floor <= 0 {
		floor = time.Second
	}
	if current < floor {
		current = floor
	}
	next := current * 2
	if ceiling > 0 && next > ceiling {
		return ceiling
	}
	return next
}
