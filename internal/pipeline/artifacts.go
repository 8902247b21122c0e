package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"planepi/internal/actions"
	"planepi/internal/planeapi"
	"planepi/internal/storage"
)

var (
	ErrAlreadyExecuted = errors.New("artifact already executed")
	ErrExecuting       = errors.New("artifact is being executed")
	ErrBadArtifact     = errors.New("artifact does not describe a known method")
	ErrMissingArgs     = errors.New("missing required arguments")
)

// ArtifactData is the JSON stored on artifacts and their versions.
type ArtifactData struct {
	Method  string          `json:"method"`
	Args    actions.Args    `json:"args"`
	Preview planeapi.Object `json:"preview,omitempty"`
	Entity  *Entity         `json:"entity,omitempty"`
	Result  planeapi.Object `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func dataFor(o *Outcome) ArtifactData {
	return ArtifactData{
		Method:  o.Method.String(),
		Args:    o.Args,
		Preview: o.Preview,
		Entity:  o.Entity,
		Result:  o.Result.Data,
		Error:   o.Result.Error,
	}
}

// record persists the artifact for a mutating action. Failures are logged
// and swallowed: the external change already happened.
func (p *Pipeline) record(ctx context.Context, turn Turn, seq int, o *Outcome) {
	if p.artifacts == nil || !o.Method.Spec().Mutates() || turn.ChatID == "" {
		return
	}
	raw, err := json.Marshal(dataFor(o))
	if err != nil {
		p.log.Warn().Err(err).Str("method", o.Method.String()).Msg("encode artifact")
		return
	}
	spec := o.Method.Spec()
	a := storage.Artifact{
		ChatID:     turn.ChatID,
		Sequence:   seq,
		Entity:     spec.Entity,
		Action:     spec.Action,
		Data:       string(raw),
		IsExecuted: o.Executed,
		Success:    o.Result.Success,
	}
	if turn.MessageID != "" {
		a.MessageID = strPtr(turn.MessageID)
	}
	if turn.WorkspaceID != "" {
		a.WorkspaceID = strPtr(turn.WorkspaceID)
	}
	if o.Entity != nil && o.Entity.ID != "" {
		a.EntityID = strPtr(o.Entity.ID)
	} else if id := o.Args.String(spec.IDArg); spec.IDArg != "" && id != "" {
		a.EntityID = strPtr(id)
	}

	// the write must outlive a client that went away mid-stream
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	created, _, err := p.artifacts.CreateArtifact(wctx, a)
	if err != nil {
		p.log.Warn().Err(err).Str("chat_id", turn.ChatID).Str("method", o.Method.String()).Msg("artifact not recorded")
		return
	}
	o.ArtifactID = created.ID
}

// claimTTL bounds how long a claim survives a process that died while
// executing.
const claimTTL = 5 * time.Minute

// ExecuteArtifact runs the latest version of a proposed artifact and appends
// an execution version with the outcome. Concurrent calls for one artifact
// execute it once; the others get ErrExecuting or ErrAlreadyExecuted.
func (p *Pipeline) ExecuteArtifact(ctx context.Context, turn Turn, artifactID string) (Outcome, error) {
	art, err := p.artifacts.GetArtifact(ctx, artifactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load artifact: %w", err)
	}
	if turn.ChatID != "" && art.ChatID != turn.ChatID {
		return Outcome{}, storage.ErrNotFound
	}
	latest, err := p.artifacts.LatestArtifactVersion(ctx, artifactID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load latest version: %w", err)
	}
	if latest.IsExecuted && latest.Success {
		return Outcome{}, ErrAlreadyExecuted
	}
	var data ArtifactData
	if err := json.Unmarshal([]byte(latest.Data), &data); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	m, ok := actions.ParseTool(data.Method)
	if !ok {
		return Outcome{}, ErrBadArtifact
	}
	if turn.WorkspaceSlug == "" {
		return Outcome{}, errors.New("workspace slug required to execute an artifact")
	}

	if err := p.claim(ctx, artifactID); err != nil {
		return Outcome{}, err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	defer func() {
		if err := p.artifacts.ReleaseArtifactExecution(wctx, artifactID); err != nil {
			p.log.Warn().Err(err).Str("artifact_id", artifactID).Msg("artifact claim not released")
		}
	}()

	o := Outcome{Method: m, Args: data.Args.Clone(), ArtifactID: artifactID}
	if o.Args == nil {
		o.Args = actions.Args{}
	}
	p.resolve(ctx, turn, &o)
	if len(o.Unresolved) > 0 {
		o.Result = actions.Result{Error: "could not resolve " + strings.Join(o.Unresolved, ", ")}
	} else {
		o.Result = p.exec.Execute(ctx, turn.WorkspaceSlug, m, o.Args)
		o.Executed = true
		if o.Result.Success {
			o.Entity, o.EntityInfo = p.InferSelectedEntity(ctx, turn.WorkspaceSlug, m, o.Args, o.Result.Data)
		}
	}

	var msgID *string
	if turn.MessageID != "" {
		msgID = strPtr(turn.MessageID)
	}
	if _, err := p.artifacts.MarkArtifactExecuted(wctx, artifactID, msgID, o.Result.Success); err != nil {
		p.log.Warn().Err(err).Str("artifact_id", artifactID).Msg("execution version not recorded")
	}
	if o.Entity != nil && o.Entity.ID != "" && art.EntityID == nil {
		if err := p.artifacts.SetArtifactEntityID(wctx, artifactID, o.Entity.ID); err != nil {
			p.log.Warn().Err(err).Str("artifact_id", artifactID).Msg("artifact entity id not recorded")
		}
	}
	return o, nil
}

func (p *Pipeline) claim(ctx context.Context, artifactID string) error {
	err := p.artifacts.ClaimArtifactExecution(ctx, artifactID, time.Now().Add(-claimTTL))
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}
	latest, lerr := p.artifacts.LatestArtifactVersion(ctx, artifactID)
	if lerr == nil && latest.IsExecuted && latest.Success {
		return ErrAlreadyExecuted
	}
	return ErrExecuting
}

// ReviseArtifact appends a version carrying edited arguments. changeType is
// storage.ChangeManual or storage.ChangeFollowUp.
func (p *Pipeline) ReviseArtifact(ctx context.Context, artifactID string, args actions.Args, changeType string, messageID *string) (storage.ArtifactVersion, error) {
	latest, err := p.artifacts.LatestArtifactVersion(ctx, artifactID)
	if err != nil {
		return storage.ArtifactVersion{}, fmt.Errorf("load latest version: %w", err)
	}
	if latest.IsExecuted && latest.Success {
		return storage.ArtifactVersion{}, ErrAlreadyExecuted
	}
	var data ArtifactData
	if err := json.Unmarshal([]byte(latest.Data), &data); err != nil {
		return storage.ArtifactVersion{}, fmt.Errorf("%w: %v", ErrBadArtifact, err)
	}
	m, ok := actions.ParseTool(data.Method)
	if !ok {
		return storage.ArtifactVersion{}, ErrBadArtifact
	}
	merged := data.Args.Clone()
	if merged == nil {
		merged = actions.Args{}
	}
	for k, v := range args {
		merged[k] = v
	}
	if missing := actions.Missing(m, merged); len(missing) > 0 {
		return storage.ArtifactVersion{}, fmt.Errorf("%w: %v", ErrMissingArgs, missing)
	}
	data.Args = merged
	data.Result, data.Error = nil, ""
	raw, err := json.Marshal(data)
	if err != nil {
		return storage.ArtifactVersion{}, fmt.Errorf("encode artifact: %w", err)
	}
	if changeType == "" {
		changeType = storage.ChangeManual
	}
	return p.artifacts.AppendArtifactVersion(ctx, artifactID, storage.ArtifactVersion{
		ChangeType: changeType,
		Data:       string(raw),
		MessageID:  messageID,
	})
}

func strPtr(s string) *string { return &s }
