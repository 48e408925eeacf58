package core

// genesis.go – the height-0 document: initial accounts, validators and
// economics. The canonical JSON is hashed into the height index so every
// node agrees on the chain root.

import (
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"
)

// LoadGenesis reads and decodes the genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapErr(KindConfig, "read genesis", err)
	}
	var g Genesis
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, WrapErr(KindConfig, "decode genesis", err)
	}
	return &g, nil
}

// GenesisHash digests the canonical (re-marshalled) document.
func (g *Genesis) GenesisHash() (Hash, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return Hash{}, WrapErr(KindConfig, "encode genesis", err)
	}
	return SHA256(raw), nil
}

// ApplyGenesis seeds a fresh store: account balances, validator registry,
// supply, and one genesis block per shard (height 0, prev hash set to the
// genesis document hash). A
// store that already has a chain head skips the whole step, so restarts
// are idempotent.
func ApplyGenesis(g *Genesis, engine *ShardEngine, cstate *ConsensusState, econ *Economics) error {
	shard0, err := engine.Shard(0)
	if err != nil {
		return err
	}
	if _, ok := shard0.Ledger().LatestHeight(); ok {
		logrus.Info("genesis: chain already initialised")
		return nil
	}

	gh, err := g.GenesisHash()
	if err != nil {
		return err
	}

	for _, acct := range g.Accounts {
		shard := engine.ShardFor(acct.Address)
		if err := shard.Ledger().Credit(acct.Address, acct.Balance); err != nil {
			return err
		}
	}
	for _, v := range g.Validators {
		if err := cstate.RegisterValidator(v.Address, v.PubKey, v.SelfStake, v.CommissionBps); err != nil {
			return err
		}
	}
	if err := econ.InitSupply(genesisSupply(g)); err != nil {
		return err
	}

	// One deterministic genesis block per shard; prev hash is the genesis
	// document hash so the whole chain roots in the document.
	for i := uint32(0); i < engine.ShardCount(); i++ {
		shard, err := engine.Shard(ShardID(i))
		if err != nil {
			return err
		}
		blk := &Block{
			Header: BlockHeader{
				Index:     0,
				PrevHash:  gh,
				Timestamp: g.Time,
				ShardID:   ShardID(i),
				TxRoot:    TxMerkleRoot(nil),
			},
		}
		if err := shard.Ledger().CommitBlock(blk, nil); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"chain_id":   g.ChainID,
		"hash":       gh.Hex(),
		"accounts":   len(g.Accounts),
		"validators": len(g.Validators),
	}).Info("genesis applied")
	return nil
}

// genesisSupply is the declared initial supply, or the balance sum plus
// bonded stake when the document leaves it zero.
func genesisSupply(g *Genesis) Amount {
	if !g.Economics.InitialSupply.IsZero() {
		return g.Economics.InitialSupply
	}
	total := NewAmount(0)
	var err error
	for _, a := range g.Accounts {
		total, err = total.Add(a.Balance)
		if err != nil {
			panic("genesis supply overflow")
		}
	}
	for _, v := range g.Validators {
		total, err = total.Add(v.SelfStake)
		if err != nil {
			panic("genesis supply overflow")
		}
	}
	return total
}
