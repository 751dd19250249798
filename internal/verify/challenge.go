package verify

import (
	"context"
	"fmt"

	"github.com/pgverity/pgverity/internal/archive"
	"github.com/pgverity/pgverity/internal/hashcore"
	"github.com/pgverity/pgverity/internal/pgerr"
)

// SubmitChallenge opens a dispute over a published state root at a
// block number, with supporting evidence. It starts "active" and is
// settled later by ResolveChallenge or ExpireIfPastDeadline.
func (m *Manager) SubmitChallenge(ctx context.Context, id string, stateRoot hashcore.Hash, blockNumber uint64, challenger, operator string, bond int64, timestampS int64, evidence []byte) (archive.Challenge, error) {
	c := archive.Challenge{
		ID:          id,
		StateRoot:   stateRoot,
		BlockNumber: blockNumber,
		Challenger:  challenger,
		Operator:    operator,
		Status:      archive.ChallengeActive,
		Bond:        bond,
		TimestampS:  timestampS,
		Evidence:    evidence,
	}
	if err := m.store.PutChallenge(ctx, c); err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindInternal, "verify.SubmitChallenge", err)
	}
	return c, nil
}

// ResolveChallenge runs the dispute protocol for an active challenge:
// it looks up the archived BlockState at the challenged block number.
// If that record's own state root doesn't match the one being
// challenged, the dispute is immediately resolved in the challenger's
// favor — the engine cannot produce a matching committed record. If it
// matches, every committed transaction archived at that block is
// replayed from scratch; the first transaction whose replay diverges
// resolves the challenge in the challenger's favor. If every
// transaction replays cleanly, the challenge is left active so
// ExpireIfPastDeadline can settle it once its deadline passes.
func (m *Manager) ResolveChallenge(ctx context.Context, id string) (archive.Challenge, error) {
	c, err := m.store.ChallengeByID(ctx, id)
	if err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindVerification, "verify.ResolveChallenge", fmt.Errorf("load challenge %s: %w", id, err))
	}
	if c.Status != archive.ChallengeActive {
		return c, nil
	}

	bs, err := m.store.BlockStateByNumber(ctx, c.BlockNumber)
	if err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindVerification, "verify.ResolveChallenge", fmt.Errorf("load block %d: %w", c.BlockNumber, err))
	}
	if !bs.StateRoot.Equal(c.StateRoot) {
		return m.settle(ctx, c, archive.ChallengeResolved)
	}

	txs, err := m.store.TransactionsByBlock(ctx, c.BlockNumber)
	if err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindVerification, "verify.ResolveChallenge", fmt.Errorf("load transactions for block %d: %w", c.BlockNumber, err))
	}
	for _, tx := range txs {
		if tx.Status != "committed" {
			continue
		}
		if _, err := m.Replay(ctx, tx.TxID); err != nil {
			if pgerr.Is(err, pgerr.KindDivergentRoot) {
				return m.settle(ctx, c, archive.ChallengeResolved)
			}
			return archive.Challenge{}, err
		}
	}
	return c, nil
}

// ExpireIfPastDeadline marks an active challenge expired once nowS
// reaches its submission time plus deadlineS, settling disputes the
// engine survived.
func (m *Manager) ExpireIfPastDeadline(ctx context.Context, id string, nowS int64, deadlineS int64) (archive.Challenge, error) {
	c, err := m.store.ChallengeByID(ctx, id)
	if err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindVerification, "verify.ExpireIfPastDeadline", fmt.Errorf("load challenge %s: %w", id, err))
	}
	if c.Status == archive.ChallengeActive && nowS >= c.TimestampS+deadlineS {
		return m.settle(ctx, c, archive.ChallengeExpired)
	}
	return c, nil
}

func (m *Manager) settle(ctx context.Context, c archive.Challenge, status archive.ChallengeStatus) (archive.Challenge, error) {
	c.Status = status
	if err := m.store.PutChallenge(ctx, c); err != nil {
		return archive.Challenge{}, pgerr.New(pgerr.KindInternal, "verify.settle", err)
	}
	return c, nil
}
