package sweep

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/chainfee"
	"github.com/lightningnetwork/lnrecover/keychain"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/monitoring"
	"github.com/lightningnetwork/lnrecover/multimutex"
	"github.com/lightningnetwork/lnrecover/protofsm"
)

// ErrInvalidHardwareSignature is returned when a hardware signed packet does
// not carry a valid hardware signature on every input.
var ErrInvalidHardwareSignature = errors.New("invalid hardware signature")

// ErrOperationInProgress is returned when another mutating call for the
// account holds the account lock.
var ErrOperationInProgress = errors.New("operation in progress")

// ErrSweepInProgress is returned by the hardware signature gate while a
// sweep is being signed and broadcast.
var ErrSweepInProgress = errors.New("sweep broadcast in progress")

// Config holds the collaborators of a Sweeper.
type Config struct {
	// Account is the account being swept.
	Account ledger.AccountID

	// Wallet lists keysets and cosigns sweeps.
	Wallet ledger.WalletClient

	// Ring holds the app's spending keys.
	Ring *keychain.KeyRing

	// Chain is queried for balances and publishes sweeps.
	Chain ChainBackend

	// FeeEstimator provides the sweep fee rate.
	FeeEstimator chainfee.Estimator

	// ConfTarget is the confirmation target of the sweeps.
	ConfTarget uint32

	// MaxFeeRate caps the sweep fee rate.
	MaxFeeRate chainfee.SatPerKWeight

	// Workers bounds concurrent balance queries.
	Workers int

	// Label is attached to every published sweep.
	Label string

	// HardwareRequired overrides the default check, which requires the
	// hardware factor whenever the ring lacks the keyset's app key.
	HardwareRequired func(*keyset.SpendingKeyset) bool

	// Metrics records broadcast outcomes. It may be nil.
	Metrics *monitoring.Metrics

	// Locks serializes the calls that sign and broadcast sweeps with the
	// other mutating operations of the account. A private one is used if
	// nil.
	Locks *multimutex.Mutex[ledger.AccountID]
}

// chainAdapter publishes the transactions emitted by the state machine.
type chainAdapter struct {
	chain   ChainBackend
	metrics *monitoring.Metrics
}

// BroadcastTransaction implements protofsm.DaemonAdapters.
func (c *chainAdapter) BroadcastTransaction(ctx context.Context,
	tx *wire.MsgTx, label string) error {

	err := c.chain.PublishTransaction(ctx, tx, label)
	c.metrics.SweepBroadcast(err == nil)

	return err
}

// Sweeper drains the stale keysets of an account into its active keyset.
type Sweeper struct {
	cfg Config
	fsm *protofsm.StateMachine[SweepEvent, *Environment]
}

// New creates a sweeper in the GeneratingPsbts state.
func New(cfg Config) *Sweeper {
	if cfg.Locks == nil {
		cfg.Locks = multimutex.NewMutex[ledger.AccountID]()
	}

	hwRequired := cfg.HardwareRequired
	if hwRequired == nil {
		hwRequired = func(ks *keyset.SpendingKeyset) bool {
			return !cfg.Ring.HasKey(ks.AppKey)
		}
	}

	env := &Environment{
		Account: cfg.Account,
		Wallet:  cfg.Wallet,
		Generator: NewGenerator(GeneratorConfig{
			Chain:            cfg.Chain,
			FeeEstimator:     cfg.FeeEstimator,
			ConfTarget:       cfg.ConfTarget,
			MaxFeeRate:       cfg.MaxFeeRate,
			Workers:          cfg.Workers,
			HardwareRequired: hwRequired,
		}),
		Executor: NewExecutor(ExecutorConfig{
			Account: cfg.Account,
			Wallet:  cfg.Wallet,
			Ring:    cfg.Ring,
			Chain:   cfg.Chain,
			Label:   cfg.Label,
		}),
		Label: cfg.Label,
	}

	fsm := protofsm.NewStateMachine(
		protofsm.StateMachineCfg[SweepEvent, *Environment]{
			Daemon: &chainAdapter{
				chain:   cfg.Chain,
				metrics: cfg.Metrics,
			},
			InitialState: &GeneratingPsbts{},
			Env:          env,
		},
	)

	return &Sweeper{cfg: cfg, fsm: fsm}
}

// Start starts the underlying state machine.
func (s *Sweeper) Start(ctx context.Context) error {
	return s.fsm.Start(ctx)
}

// Stop stops the underlying state machine.
func (s *Sweeper) Stop() {
	s.fsm.Stop()
}

// State returns the current sweep state.
func (s *Sweeper) State() SweepState {
	return s.fsm.CurrentState()
}

// Subscribe returns a client notified of every state transition. The
// sweeper must be started first.
func (s *Sweeper) Subscribe() (protofsm.StateSubscriber[SweepEvent,
	*Environment], error) {

	return s.fsm.RegisterStateEvents()
}

// Plan returns the plan of the current state, if any.
func (s *Sweeper) Plan() fn.Option[*Plan] {
	switch st := s.State().(type) {
	case *NoFundsFound:
		return fn.Some(st.Plan)
	case *PsbtsGenerated:
		return fn.Some(st.Plan)
	case *AwaitingHardwareSignatures:
		return fn.Some(st.Plan)
	case *SigningAndBroadcasting:
		return fn.Some(st.Plan)
	case *Complete:
		return fn.Some(st.Plan)
	case *Failed:
		return fn.Some(st.Plan)
	default:
		return fn.None[*Plan]()
	}
}

// Generate builds a new plan. An empty plan leaves the sweeper in
// NoFundsFound.
func (s *Sweeper) Generate(ctx context.Context) (*Plan, error) {
	if err := s.fsm.SendEvent(ctx, &GenerateEvent{}); err != nil {
		return nil, err
	}

	if st, ok := s.State().(*GenerationFailed); ok {
		return nil, st.Err
	}

	return s.Plan().UnwrapOrErr(
		fmt.Errorf("no plan in state %v", s.State()),
	)
}

// Confirm accepts the generated plan. App-only plans are signed and
// broadcast right away.
func (s *Sweeper) Confirm(ctx context.Context) error {
	release, err := s.acquire("confirm")
	if err != nil {
		return err
	}
	defer release()

	return s.fsm.SendEvent(ctx, &ConfirmEvent{})
}

// acquire takes the account lock without blocking.
func (s *Sweeper) acquire(op string) (func(), error) {
	if !s.cfg.Locks.TryLock(s.cfg.Account) {
		log.Debugf("Account %v: rejecting sweep %v, operation in "+
			"progress", s.cfg.Account, op)

		return nil, fmt.Errorf("%w: %v", ErrOperationInProgress, op)
	}

	return func() {
		s.cfg.Locks.Unlock(s.cfg.Account)
	}, nil
}

// Retry restarts a failed sweep from generation.
func (s *Sweeper) Retry(ctx context.Context) error {
	return s.fsm.SendEvent(ctx, &RetryEvent{})
}

// Err returns the failure of the last run, if any.
func (s *Sweeper) Err() error {
	switch st := s.State().(type) {
	case *GenerationFailed:
		return st.Err
	case *Failed:
		return st.Err
	default:
		return nil
	}
}

// AddHardwareSignature hands the hardware signed packet of one sweep to the
// sweeper. The packet must carry a valid hardware signature on every input.
func (s *Sweeper) AddHardwareSignature(ctx context.Context, keysetID string,
	packet *psbt.Packet) error {

	release, err := s.acquire("hardware signature")
	if err != nil {
		return err
	}
	defer release()

	return s.addHardwareSignature(ctx, keysetID, packet)
}

func (s *Sweeper) addHardwareSignature(ctx context.Context, keysetID string,
	packet *psbt.Packet) error {

	awaiting, ok := s.State().(*AwaitingHardwareSignatures)
	if !ok {
		return fmt.Errorf("%w: hardware signature in %v",
			ErrInvalidEvent, s.State())
	}

	sweep, ok := awaiting.Plan.ForKeyset(keysetID)
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownKeyset, keysetID)
	}

	if err := checkHardwareSignature(sweep, packet); err != nil {
		return err
	}

	return s.fsm.SendEvent(ctx, &HardwareSignedEvent{
		KeysetID: keysetID,
		Packet:   packet,
	})
}

// SignWithDevice asks the device to sign every sweep still waiting for the
// hardware factor.
func (s *Sweeper) SignWithDevice(ctx context.Context,
	device keychain.HardwareDevice) error {

	release, err := s.acquire("device signing")
	if err != nil {
		return err
	}
	defer release()

	awaiting, ok := s.State().(*AwaitingHardwareSignatures)
	if !ok {
		return fmt.Errorf("%w: device signing in %v", ErrInvalidEvent,
			s.State())
	}

	for _, sweep := range awaiting.Missing() {
		signed, err := device.SignPsbt(ctx, sweep.Packet)
		if err != nil {
			return fmt.Errorf("device unable to sign sweep of "+
				"keyset %v: %w", sweep.Keyset.ID, err)
		}

		err = s.addHardwareSignature(ctx, sweep.Keyset.ID, signed)
		if err != nil {
			return err
		}
	}

	return nil
}

// PendingHardwareSignatures returns the stale keysets whose funds cannot move
// without the hardware factor. The plan is rebuilt against the current
// keysets unless hardware signatures are being collected for a plan paying
// to the active keyset.
func (s *Sweeper) PendingHardwareSignatures(
	ctx context.Context) ([]*keyset.SpendingKeyset, error) {

	switch st := s.State().(type) {
	case *SigningAndBroadcasting:
		return nil, ErrSweepInProgress

	case *AwaitingHardwareSignatures:
		active, err := s.cfg.Wallet.ActiveKeyset(ctx, s.cfg.Account)
		if err != nil {
			return nil, err
		}

		if active.ID == st.Plan.DestinationKeyset {
			missing := st.Missing()
			keysets := make(
				[]*keyset.SpendingKeyset, 0, len(missing),
			)
			for _, sweep := range missing {
				keysets = append(keysets, sweep.Keyset)
			}

			return keysets, nil
		}

		log.Infof("Account %v: active keyset moved from %v to %v, "+
			"regenerating sweep plan", s.cfg.Account,
			st.Plan.DestinationKeyset, active.ID)
	}

	plan, err := s.Generate(ctx)
	if err != nil {
		return nil, err
	}

	return plan.RequiresHardwareSignature(), nil
}

// checkHardwareSignature verifies that the packet spends the planned
// transaction and carries a valid hardware signature on every input.
func checkHardwareSignature(sweep *KeysetSweep, packet *psbt.Packet) error {
	if packet == nil ||
		packet.UnsignedTx.TxHash() != sweep.Packet.UnsignedTx.TxHash() {

		return ErrPacketMismatch
	}

	if err := keychain.VerifyPartialSigs(packet); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHardwareSignature, err)
	}

	hwKey := sweep.Keyset.HardwareKey.SerializeCompressed()
	for i, in := range packet.Inputs {
		var found bool
		for _, ps := range in.PartialSigs {
			if bytes.Equal(ps.PubKey, hwKey) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: input %d not signed",
				ErrInvalidHardwareSignature, i)
		}
	}

	return nil
}
