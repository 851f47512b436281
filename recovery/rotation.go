package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnrecover/keyset"
	"github.com/lightningnetwork/lnrecover/ledger"
	"github.com/lightningnetwork/lnrecover/possession"
	"github.com/lightningnetwork/lnrecover/socialrec"
)

// Step names one unit of the key rotation. The event id and the step name
// together form the resume key of the rotation journal.
type Step string

const (
	// StepActivateKeyset completes the event and activates the new
	// spending keyset.
	StepActivateKeyset Step = "activate-keyset"

	// StepRotateAuthKeys installs the new auth key pair.
	StepRotateAuthKeys Step = "rotate-auth-keys"

	// StepRotateAuthTokens obtains tokens bound to the new app auth key.
	StepRotateAuthTokens Step = "rotate-auth-tokens"

	// StepVerifyAuthKeys proves both new auth keys to the ledger.
	StepVerifyAuthKeys Step = "verify-auth-keys"

	// StepRegenerateEndorsements re-certifies the trusted contacts with
	// the new app auth key.
	StepRegenerateEndorsements Step = "regenerate-endorsements"

	// StepRemoveStaleContacts drops contacts whose enrollment predates a
	// social recovery.
	StepRemoveStaleContacts Step = "remove-stale-contacts"

	// StepFinishRotation records on the ledger that every step is done.
	StepFinishRotation Step = "finish-rotation"
)

// RotationSteps lists the steps in the order they run.
var RotationSteps = []Step{
	StepActivateKeyset,
	StepRotateAuthKeys,
	StepRotateAuthTokens,
	StepVerifyAuthKeys,
	StepRegenerateEndorsements,
	StepRemoveStaleContacts,
	StepFinishRotation,
}

// errNoDevice is returned when a step needs the hardware factor but no device
// was configured.
var errNoDevice = errors.New("no hardware device available")

// rotation carries the state shared by the steps of one CompleteRotation
// call.
type rotation struct {
	event ledger.RecoveryEvent
	keys  ledger.AuthKeys

	// progress is the ledger's record of a rotation started earlier.
	progress fn.Option[ledger.RotationProgress]
}

// authRotated returns true if the ledger already installed the new auth keys.
func (r *rotation) authRotated() bool {
	return fn.MapOptionZ(
		r.progress, func(p ledger.RotationProgress) bool {
			return p.AuthKeysRotated
		},
	)
}

// newAuthKeys returns the auth keys in force once the event's rotation
// commits: the destination keys replace the lost factor, the surviving factor
// keeps its current key.
func (c *Coordinator) newAuthKeys(
	event *ledger.RecoveryEvent) (ledger.AuthKeys, error) {

	keys := ledger.AuthKeys{
		App:      event.Destination.AppAuthKey,
		Hardware: event.Destination.HardwareAuthKey,
	}
	if keys.App == nil {
		keys.App = c.AppAuthKey()
	}
	if keys.Hardware == nil {
		if c.cfg.Device == nil {
			return keys, errNoDevice
		}
		keys.Hardware = c.cfg.Device.AuthKey()
	}

	return keys, nil
}

// loadEvent fetches the event to rotate and checks that it may be
// completed. A completed event is accepted as long as the ledger holds an
// unfinished rotation for it, so any client with the account's keys can
// resume the rotation.
func (c *Coordinator) loadEvent(ctx context.Context) (ledger.RecoveryEvent,
	fn.Option[ledger.RotationProgress], error) {

	noProgress := fn.None[ledger.RotationProgress]()

	opt, err := c.fetch(ctx)
	if err != nil {
		return ledger.RecoveryEvent{}, noProgress, wrapErr(err)
	}

	event, err := opt.UnwrapOrErr(ledger.ErrNoRecoveryExists)
	if err != nil {
		return event, noProgress, wrapErr(err)
	}

	switch event.Status {
	case ledger.StatusCanceled:
		return event, noProgress, wrapErr(ledger.ErrNoRecoveryExists)

	case ledger.StatusPending:
		return event, noProgress, wrapErr(fmt.Errorf("%w: delay "+
			"ends at %v", ledger.ErrDelayNotElapsed,
			event.DelayEndsAt))

	case ledger.StatusCompleted:
		progress, err := c.cfg.Client.RotationProgress(
			ctx, c.cfg.Account, event.ID,
		)
		if err != nil {
			return event, noProgress, wrapErr(err)
		}

		finished := fn.MapOptionZ(
			progress, func(p ledger.RotationProgress) bool {
				return p.Finished
			},
		)
		if progress.IsNone() || finished {
			return event, noProgress,
				wrapErr(ledger.ErrAlreadyCompleted)
		}

		log.Infof("Account %v: resuming rotation of %v",
			c.cfg.Account, event.ID)

		return event, progress, nil
	}

	if !event.DelayElapsed(c.cfg.Clock.Now()) {
		return event, noProgress, wrapErr(fmt.Errorf("%w: delay "+
			"ends at %v", ledger.ErrDelayNotElapsed,
			event.DelayEndsAt))
	}

	return event, noProgress, nil
}

// stepDone returns true if the journal shows the step completed. Without a
// journal every step runs again, which the ledger tolerates.
func (c *Coordinator) stepDone(eventID string, step Step) (bool, error) {
	if c.cfg.DB == nil {
		return false, nil
	}

	return c.cfg.DB.StepDone(eventID, string(step))
}

// markStep records the step as completed.
func (c *Coordinator) markStep(eventID string, step Step) error {
	if c.cfg.DB == nil {
		return nil
	}

	return c.cfg.DB.MarkStep(eventID, string(step), c.cfg.Clock.Now())
}

// checkSweepGate fails while stale keysets still need hardware signatures.
func (c *Coordinator) checkSweepGate(ctx context.Context) error {
	if c.cfg.SweepGate == nil {
		return nil
	}

	pending, err := c.cfg.SweepGate.PendingHardwareSignatures(ctx)
	if err != nil {
		return stepErr(StepRotateAuthKeys, fmt.Errorf("unable to "+
			"check pending sweeps: %w", err))
	}

	if len(pending) > 0 {
		return &Error{
			Kind:    KindHardwareSignaturesRequired,
			Step:    fn.Some(StepRotateAuthKeys),
			Keysets: pending,
			Err: fmt.Errorf("%d stale keysets need hardware "+
				"signed sweeps", len(pending)),
		}
	}

	return nil
}

// CompleteRotation commits the recovery once its delay elapsed. The steps run
// in order and are idempotent on the ledger, so a call after a failure
// resumes the rotation. Completed steps are journaled locally and skipped.
// Hardware signed sweeps of stale keysets must be collected after the keyset
// activation and before the auth keys rotate.
func (c *Coordinator) CompleteRotation(ctx context.Context) error {
	release, err := c.acquire("complete rotation")
	if err != nil {
		return err
	}
	defer release()

	event, progress, err := c.loadEvent(ctx)
	if err != nil {
		return err
	}

	keys, err := c.newAuthKeys(&event)
	if err != nil {
		return &Error{Kind: KindInvalidRequest, Err: err}
	}

	rot := &rotation{event: event, keys: keys, progress: progress}

	for _, step := range RotationSteps {
		done, err := c.stepDone(event.ID, step)
		if err != nil {
			return stepErr(step, err)
		}

		if step == StepRotateAuthKeys && !done && !rot.authRotated() {
			if err := c.checkSweepGate(ctx); err != nil {
				return err
			}
		}

		if done {
			log.Debugf("Account %v: step %v of %v already done",
				c.cfg.Account, step, event.ID)

			continue
		}

		if err := c.runStep(ctx, rot, step); err != nil {
			c.cfg.Metrics.RotationStepFailed(string(step))

			log.Errorf("Account %v: rotation step %v of %v "+
				"failed: %v", c.cfg.Account, step, event.ID, err)

			return stepErr(step, err)
		}

		if err := c.markStep(event.ID, step); err != nil {
			return stepErr(step, err)
		}

		log.Infof("Account %v: rotation step %v of %v done",
			c.cfg.Account, step, event.ID)
	}

	if c.cfg.DB != nil {
		if err := c.cfg.DB.ClearJournal(event.ID); err != nil {
			log.Errorf("Account %v: unable to clear rotation "+
				"journal of %v: %v", c.cfg.Account, event.ID,
				err)
		}
	}

	c.cfg.Metrics.RotationCompleted()

	log.Infof("Account %v: rotation of %v completed", c.cfg.Account,
		event.ID)

	return nil
}

// runStep executes a single rotation step.
func (c *Coordinator) runStep(ctx context.Context, rot *rotation,
	step Step) error {

	switch step {
	case StepActivateKeyset:
		return c.activateKeyset(ctx, rot)

	case StepRotateAuthKeys:
		return c.rotateAuthKeys(ctx, rot)

	case StepRotateAuthTokens:
		return c.rotateAuthTokens(ctx, rot)

	case StepVerifyAuthKeys:
		return c.verifyAuthKeys(ctx, rot)

	case StepRegenerateEndorsements:
		return c.regenerateEndorsements(ctx, rot)

	case StepRemoveStaleContacts:
		return c.removeStaleContacts(ctx, rot)

	case StepFinishRotation:
		return c.cfg.Client.FinishRotation(
			ctx, c.cfg.Account, rot.event.ID,
		)

	default:
		return fmt.Errorf("unknown step %v", step)
	}
}

func (c *Coordinator) activateKeyset(ctx context.Context,
	rot *rotation) error {

	ks, err := c.cfg.Client.ActivateKeyset(
		ctx, c.cfg.Account, rot.event.ID,
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.active = fn.Some(ks)
	c.mu.Unlock()

	log.Infof("Account %v: activated keyset %v", c.cfg.Account, ks.ID)

	return nil
}

func (c *Coordinator) rotateAuthKeys(ctx context.Context,
	rot *rotation) error {

	if !c.cfg.Ring.HasKey(rot.keys.App) {
		return fmt.Errorf("new app auth key not held by key ring")
	}

	err := c.cfg.Client.RotateAuthKeys(
		ctx, c.cfg.Account, rot.event.ID, rot.keys,
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.appAuth = rot.keys.App
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) rotateAuthTokens(ctx context.Context,
	rot *rotation) error {

	challenge, err := c.cfg.Client.PossessionChallenge(ctx, c.cfg.Account)
	if err != nil {
		return err
	}

	proof, err := c.cfg.Ring.ProvePossession(
		keyset.FactorApp, rot.keys.App, challenge,
	)
	if err != nil {
		return err
	}

	tokens, err := c.cfg.Client.RotateAuthTokens(
		ctx, c.cfg.Account, rot.event.ID, challenge, proof,
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tokens = fn.Some(*tokens)
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) verifyAuthKeys(ctx context.Context,
	rot *rotation) error {

	if c.cfg.Device == nil {
		return errNoDevice
	}
	if !c.cfg.Device.AuthKey().IsEqual(rot.keys.Hardware) {
		return fmt.Errorf("device auth key differs from rotated key")
	}

	challenge, err := c.cfg.Client.PossessionChallenge(ctx, c.cfg.Account)
	if err != nil {
		return err
	}

	appProof, err := c.cfg.Ring.ProvePossession(
		keyset.FactorApp, rot.keys.App, challenge,
	)
	if err != nil {
		return err
	}

	sig, err := c.cfg.Device.ProvePossession(ctx, challenge)
	if err != nil {
		return fmt.Errorf("hardware proof failed: %w", err)
	}
	hwProof := possession.NewProof(
		keyset.FactorHardware, rot.keys.Hardware, sig,
	)

	return c.cfg.Client.VerifyAuthKeys(
		ctx, c.cfg.Account, challenge,
		[]*possession.Proof{appProof, hwProof},
	)
}

// StaleContact returns true if the contact's enrollment was sealed before a
// social recovery replaced the customer's key material.
func StaleContact(event *ledger.RecoveryEvent,
	contact *ledger.TrustedContact) bool {

	return event.SocialRecovery &&
		contact.EnrolledAt.Before(event.StartedAt)
}

func (c *Coordinator) regenerateEndorsements(ctx context.Context,
	rot *rotation) error {

	contacts, err := c.cfg.Client.TrustedContacts(ctx, c.cfg.Account)
	if err != nil {
		return err
	}

	endorsements := make([]ledger.Endorsement, 0, len(contacts))
	for i := range contacts {
		if StaleContact(&rot.event, &contacts[i]) {
			continue
		}

		e, err := socialrec.Endorse(c.cfg.Ring, rot.keys.App, contacts[i])
		if err != nil {
			return fmt.Errorf("unable to endorse contact %v: %w",
				contacts[i].ID, err)
		}
		endorsements = append(endorsements, *e)
	}

	if len(endorsements) == 0 {
		return nil
	}

	return c.cfg.Client.UploadEndorsements(ctx, c.cfg.Account, endorsements)
}

func (c *Coordinator) removeStaleContacts(ctx context.Context,
	rot *rotation) error {

	if !rot.event.SocialRecovery {
		return nil
	}

	contacts, err := c.cfg.Client.TrustedContacts(ctx, c.cfg.Account)
	if err != nil {
		return err
	}

	for i := range contacts {
		if !StaleContact(&rot.event, &contacts[i]) {
			continue
		}

		err := c.cfg.Client.RemoveTrustedContact(
			ctx, c.cfg.Account, contacts[i].ID,
		)
		if err != nil {
			return fmt.Errorf("unable to remove contact %v: %w",
				contacts[i].ID, err)
		}

		log.Infof("Account %v: removed stale trusted contact %v",
			c.cfg.Account, contacts[i].ID)
	}

	return nil
}
