package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/keyset"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWorkers is the number of keysets whose balance is queried
	// concurrently.
	DefaultWorkers = 4

	// sweepTxVersion is the version of the generated sweep transactions.
	sweepTxVersion = 2
)

var (
	// ErrNoDestination is returned when a plan is requested without a
	// destination address.
	ErrNoDestination = errors.New("sweep destination required")

	// errUneconomical is returned internally for a keyset whose balance
	// would not cover the sweep fee plus the dust limit.
	errUneconomical = errors.New("keyset balance below sweep cost")
)

// KeysetSweep is the unsigned sweep of one stale keyset.
type KeysetSweep struct {
	// Keyset is the keyset being drained.
	Keyset *keyset.SpendingKeyset

	// Packet is the unsigned transaction spending every output of the
	// keyset to the destination.
	Packet *psbt.Packet

	// Inputs are the outputs spent by the packet.
	Inputs []UTXO

	// Amount is the value paid to the destination.
	Amount btcutil.Amount

	// Fee is the fee paid by the transaction.
	Fee btcutil.Amount

	// NeedsHardware is set when the app cannot provide the second
	// signature and the hardware factor has to sign.
	NeedsHardware bool
}

// Balance returns the total value of the swept outputs.
func (s *KeysetSweep) Balance() btcutil.Amount {
	return s.Amount + s.Fee
}

// Plan is the set of sweeps that drain every stale keyset into the active
// one.
type Plan struct {
	// Destination is the address every sweep pays to.
	Destination btcutil.Address

	// DestinationKeyset is the id of the keyset that was active when the
	// plan was built. It is empty if no active keyset was given.
	DestinationKeyset string

	// FeeRate is the fee rate used for every sweep.
	FeeRate chainfee.SatPerKWeight

	// Sweeps holds one entry per funded keyset, ordered by keyset id.
	Sweeps []*KeysetSweep

	// Uneconomical lists keysets left behind because their balance does
	// not cover the fee.
	Uneconomical []*keyset.SpendingKeyset

	// TotalFee is the sum of the fees of every sweep.
	TotalFee btcutil.Amount
}

// Empty returns true if there is nothing to sweep.
func (p *Plan) Empty() bool {
	return len(p.Sweeps) == 0
}

// ForKeyset returns the sweep of the keyset, if planned.
func (p *Plan) ForKeyset(id string) (*KeysetSweep, bool) {
	for _, s := range p.Sweeps {
		if s.Keyset.ID == id {
			return s, true
		}
	}

	return nil, false
}

// RequiresHardwareSignature returns the keysets that cannot be swept without
// a hardware signature.
func (p *Plan) RequiresHardwareSignature() []*keyset.SpendingKeyset {
	var keysets []*keyset.SpendingKeyset
	for _, s := range p.Sweeps {
		if s.NeedsHardware {
			keysets = append(keysets, s.Keyset)
		}
	}

	return keysets
}

// AppOnlySignable returns true if every sweep can be signed without the
// hardware factor.
func (p *Plan) AppOnlySignable() bool {
	return len(p.RequiresHardwareSignature()) == 0
}

// GeneratorConfig holds the collaborators of the generator.
type GeneratorConfig struct {
	// Chain is queried for keyset balances.
	Chain ChainBackend

	// FeeEstimator provides the sweep fee rate.
	FeeEstimator chainfee.Estimator

	// ConfTarget is the confirmation target passed to the estimator.
	ConfTarget uint32

	// MaxFeeRate caps the estimated fee rate. Zero disables the cap.
	MaxFeeRate chainfee.SatPerKWeight

	// Workers bounds the number of concurrent balance queries.
	Workers int

	// HardwareRequired reports whether the keyset needs a hardware
	// signature.
	HardwareRequired func(*keyset.SpendingKeyset) bool
}

// Generator builds sweep plans.
type Generator struct {
	cfg GeneratorConfig
}

// NewGenerator creates a generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.HardwareRequired == nil {
		cfg.HardwareRequired = func(*keyset.SpendingKeyset) bool {
			return true
		}
	}

	return &Generator{cfg: cfg}
}

// Generate builds a plan that moves the funds of every keyset other than the
// active one to dest. An empty plan is returned if there is nothing worth
// sweeping.
func (g *Generator) Generate(ctx context.Context,
	keysets []*keyset.SpendingKeyset, active *keyset.SpendingKeyset,
	dest btcutil.Address) (*Plan, error) {

	if dest == nil {
		return nil, ErrNoDestination
	}

	destScript, err := txscript.PayToAddrScript(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}

	stale := make([]*keyset.SpendingKeyset, 0, len(keysets))
	for _, ks := range keysets {
		if active != nil && ks.ID == active.ID {
			continue
		}
		stale = append(stale, ks)
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].ID < stale[j].ID
	})

	utxos, err := g.fetchUnspent(ctx, stale)
	if err != nil {
		return nil, err
	}

	feeRate, err := g.feeRate()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Destination: dest,
		FeeRate:     feeRate,
	}
	if active != nil {
		plan.DestinationKeyset = active.ID
	}
	for i, ks := range stale {
		sweep, err := g.sweepKeyset(ks, utxos[i], destScript, feeRate)
		switch {
		case errors.Is(err, errUneconomical):
			log.Infof("Leaving keyset %v behind: balance does not "+
				"cover sweep cost at %v", ks.ID, feeRate)

			plan.Uneconomical = append(plan.Uneconomical, ks)
			continue

		case err != nil:
			return nil, fmt.Errorf("keyset %v: %w", ks.ID, err)

		case sweep == nil:
			continue
		}

		plan.Sweeps = append(plan.Sweeps, sweep)
		plan.TotalFee += sweep.Fee
	}

	log.Debugf("Generated sweep plan: %d sweeps, %d uneconomical, "+
		"total fee %v", len(plan.Sweeps), len(plan.Uneconomical),
		plan.TotalFee)

	return plan, nil
}

// fetchUnspent queries the outputs of every keyset with bounded
// concurrency. The result is indexed like keysets.
func (g *Generator) fetchUnspent(ctx context.Context,
	keysets []*keyset.SpendingKeyset) ([][]UTXO, error) {

	utxos := make([][]UTXO, len(keysets))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Workers)
	for i, ks := range keysets {
		eg.Go(func() error {
			unspent, err := g.cfg.Chain.UnspentOutputs(ctx, ks)
			if err != nil {
				return fmt.Errorf("unable to fetch outputs of "+
					"keyset %v: %w", ks.ID, err)
			}
			utxos[i] = unspent

			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return utxos, nil
}

// feeRate returns the estimated fee rate, at least the relay fee.
func (g *Generator) feeRate() (chainfee.SatPerKWeight, error) {
	feeRate, err := g.cfg.FeeEstimator.EstimateFeePerKW(g.cfg.ConfTarget)
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee rate: %w", err)
	}

	if relay := g.cfg.FeeEstimator.RelayFeePerKW(); feeRate < relay {
		log.Debugf("Raising fee rate %v to relay fee %v", feeRate,
			relay)

		feeRate = relay
	}

	return feeRate, nil
}

// sweepKeyset builds the unsigned sweep of one keyset. It returns nil if the
// keyset holds no funds.
func (g *Generator) sweepKeyset(ks *keyset.SpendingKeyset, utxos []UTXO,
	destScript []byte, feeRate chainfee.SatPerKWeight) (*KeysetSweep,
	error) {

	var total btcutil.Amount
	inputs := make([]UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u.Value <= 0 {
			continue
		}
		total += u.Value
		inputs = append(inputs, u)
	}
	if len(inputs) == 0 {
		return nil, nil
	}

	// Sort the inputs so the same balance always yields the same
	// transaction.
	sort.Slice(inputs, func(i, j int) bool {
		a, b := inputs[i].OutPoint, inputs[j].OutPoint
		if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
			return c < 0
		}

		return a.Index < b.Index
	})

	witnessScript, err := ks.WitnessScript()
	if err != nil {
		return nil, err
	}
	pkScript, err := ks.PkScript()
	if err != nil {
		return nil, err
	}

	estimator := newWeightEstimator(feeRate, g.cfg.MaxFeeRate)
	tx := wire.NewMsgTx(sweepTxVersion)
	for i := range inputs {
		tx.AddTxIn(wire.NewTxIn(&inputs[i].OutPoint, nil, nil))
		estimator.addMultiSigInput(len(witnessScript))
	}

	txOut := &wire.TxOut{PkScript: destScript}
	estimator.addOutput(txOut)

	fee := estimator.fee()
	if total <= fee {
		return nil, errUneconomical
	}

	amount := total - fee
	txOut.Value = int64(amount)
	if txrules.IsDustOutput(txOut, txrules.DefaultRelayFeePerKb) {
		return nil, errUneconomical
	}

	tx.AddTxOut(txOut)

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("unable to create psbt: %w", err)
	}
	for i, u := range inputs {
		packet.Inputs[i].WitnessUtxo = wire.NewTxOut(
			int64(u.Value), pkScript,
		)
		packet.Inputs[i].WitnessScript = witnessScript
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}

	log.Debugf("Sweeping %v from keyset %v (%d inputs, fee %v, "+
		"weight %d)", amount, ks.ID, len(inputs), fee,
		estimator.weight())

	return &KeysetSweep{
		Keyset:        ks,
		Packet:        packet,
		Inputs:        inputs,
		Amount:        amount,
		Fee:           fee,
		NeedsHardware: g.cfg.HardwareRequired(ks),
	}, nil
}
