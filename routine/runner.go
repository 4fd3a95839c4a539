package routine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/keygen"
	"github.com/LoveWonYoung/x260diag/uds"
)

// Runner starts routines through the session engine, enforcing the
// security prerequisite and decoding the completion record.
type Runner struct {
	client *uds.Client
	log    *logrus.Entry

	// security level and constants used when establishing prerequisites
	secLevel     byte
	secConstants []byte
}

func NewRunner(client *uds.Client, log *logrus.Entry) *Runner {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Runner{
		client:       client,
		log:          log,
		secLevel:     keygen.LevelIMC,
		secConstants: keygen.DC0314[:],
	}
}

// EnsurePrerequisites establishes the state a routine needs: a live
// extended session and, when asked, an unlocked security level. This is
// the conventional pre-flight sequence for this unit.
func (r *Runner) EnsurePrerequisites(ctx context.Context, needsSecurity bool) error {
	if err := r.client.TesterPresent(ctx, false); err != nil {
		return err
	}
	if r.client.Session().Type != uds.SessionExtended {
		if err := r.client.DiagnosticSessionControl(ctx, uds.SessionExtended); err != nil {
			return err
		}
	}
	if needsSecurity && !r.client.Session().Unlocked(r.secLevel) {
		if err := r.client.SecurityAccess(ctx, r.secLevel, r.secConstants); err != nil {
			return err
		}
	}
	return nil
}

// Run starts one routine and interprets its completion record. A routine
// that needs security fails immediately while the session is locked; no
// frame is transmitted in that case.
func (r *Runner) Run(ctx context.Context, id uint16, params []byte) (*Result, error) {
	desc, ok := Lookup(id)
	if !ok {
		return nil, &uds.ConfigurationError{Reason: fmt.Sprintf("unknown routine 0x%04X", id)}
	}

	if desc.NeedsSecurity && !r.client.Session().Unlocked(r.secLevel) {
		return nil, &uds.SecurityRequiredError{Level: r.secLevel}
	}

	if len(params) == 0 {
		params = desc.DefaultParams
	}

	r.log.WithFields(logrus.Fields{
		"routine": fmt.Sprintf("0x%04X", id),
		"name":    desc.Name,
	}).Info("starting routine")

	data, err := r.client.RoutineControl(ctx, uds.RoutineStart, id, params)
	if err != nil {
		return nil, err
	}

	// data is {sub-function, id hi, id lo, record...}.
	record := data[3:]
	return &Result{
		RoutineID:   id,
		Success:     ResultSuccess(id, record),
		Description: DescribeResult(id, record),
		Raw:         append([]byte{}, record...),
	}, nil
}

// Stop halts a running routine.
func (r *Runner) Stop(ctx context.Context, id uint16) error {
	_, err := r.client.RoutineControl(ctx, uds.RoutineStop, id, nil)
	return err
}

// Results polls a routine's result record without restarting it.
func (r *Runner) Results(ctx context.Context, id uint16) (*Result, error) {
	data, err := r.client.RoutineControl(ctx, uds.RoutineRequestResults, id, nil)
	if err != nil {
		return nil, err
	}
	record := data[3:]
	return &Result{
		RoutineID:   id,
		Success:     ResultSuccess(id, record),
		Description: DescribeResult(id, record),
		Raw:         append([]byte{}, record...),
	}, nil
}
