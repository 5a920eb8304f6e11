package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/nspcc-dev/vdb/pkg/core/vdb"
	"github.com/nspcc-dev/vdb/pkg/util"
	"gopkg.in/yaml.v3"
)

// Script is a sequence of transactions to execute. It's read from YAML,
// JSON input is accepted too.
type Script struct {
	Transactions []ScriptTxn `yaml:"Transactions"`
}

// ScriptTxn is a single transaction of a Script. It's committed unless
// Abandon is set.
type ScriptTxn struct {
	Ops     []Op `yaml:"Ops"`
	Abandon bool `yaml:"Abandon"`
}

// Op is either a read or a write.
type Op struct {
	Get *vdb.Key `yaml:"Get,omitempty"`
	Put *PutOp   `yaml:"Put,omitempty"`
}

// PutOp is a write of Value to Key.
type PutOp struct {
	Key   vdb.Key `yaml:"Key"`
	Value uint64  `yaml:"Value"`
}

// TxnResult is the outcome of a ScriptTxn.
type TxnResult struct {
	ID       uuid.UUID          `json:"id"`
	State    string             `json:"state"`
	Reads    map[vdb.Key]uint64 `json:"reads,omitempty"`
	Writes   map[vdb.Key]uint64 `json:"writes,omitempty"`
	Root     util.Uint256       `json:"root"`
	Proof    *vdb.Proof         `json:"proof,omitempty"`
	Verified bool               `json:"verified"`
}

var errBadOp = errors.New("operation must have exactly one of Get or Put")

// LoadScript reads the script from the given file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes the script from YAML or JSON data.
func ParseScript(data []byte) (*Script, error) {
	s := new(Script)
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("can't parse script: %w", err)
	}
	for i, txn := range s.Transactions {
		for j, op := range txn.Ops {
			if (op.Get == nil) == (op.Put == nil) {
				return nil, fmt.Errorf("transaction %d, op %d: %w", i, j, errBadOp)
			}
		}
	}
	return s, nil
}

// Run executes the script against db. Unless verification is disabled every
// commit proof is checked against the root the commit started from and the
// writes of the transaction.
func (s *Script) Run(ctx context.Context, db *vdb.DB, verify bool) ([]TxnResult, error) {
	res := make([]TxnResult, 0, len(s.Transactions))
	for i, st := range s.Transactions {
		r, err := st.run(ctx, db, verify)
		if err != nil {
			return res, fmt.Errorf("transaction %d: %w", i, err)
		}
		res = append(res, r)
	}
	return res, nil
}

func (st ScriptTxn) run(ctx context.Context, db *vdb.DB, verify bool) (TxnResult, error) {
	txn, err := db.Begin(ctx)
	if err != nil {
		return TxnResult{}, err
	}
	defer txn.Abandon()

	r := TxnResult{
		ID:     txn.ID(),
		Reads:  make(map[vdb.Key]uint64),
		Writes: make(map[vdb.Key]uint64),
	}
	for _, op := range st.Ops {
		switch {
		case op.Get != nil:
			v, err := txn.Get(*op.Get)
			if err != nil {
				return r, err
			}
			r.Reads[*op.Get] = v
		case op.Put != nil:
			if err := txn.Put(op.Put.Key, op.Put.Value); err != nil {
				return r, err
			}
			r.Writes[op.Put.Key] = op.Put.Value
		}
	}
	if st.Abandon {
		txn.Abandon()
		r.State = txn.State().String()
		r.Root = db.Root()
		return r, nil
	}

	oldRoot := db.Root()
	r.Proof, err = txn.Commit()
	if err != nil {
		return r, err
	}
	r.State = txn.State().String()
	r.Root = db.Root()
	if verify && r.Proof != nil {
		if !vdb.VerifyProof(r.Proof, oldRoot) {
			return r, fmt.Errorf("proof doesn't match pre-state root %s", oldRoot)
		}
		if !r.Proof.VerifyTransition(r.Writes) {
			return r, fmt.Errorf("proof doesn't match post-state root %s", r.Proof.NewRoot)
		}
		r.Verified = true
	}
	return r, nil
}
