package storage_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
	"github.com/ScriptSun/ulta-console-sub004/internal/testutil"
)

var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()
	testLogger = testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

type fixture struct {
	tenant model.Tenant
	agent  model.Agent
	batch  model.Batch
	conv   model.Conversation
}

// newFixture seeds a tenant with one agent and one activated batch.
func newFixture(t *testing.T, maxConcurrent int, scope model.ConcurrencyScope) fixture {
	t.Helper()
	ctx := context.Background()

	tenant, err := testDB.CreateTenant(ctx, "t-"+uuid.NewString()[:8])
	require.NoError(t, err)

	agent, err := testDB.CreateAgent(ctx, model.Agent{
		TenantID: tenant.ID, Hostname: "web-01", OS: "ubuntu", Status: model.AgentRunning,
	})
	require.NoError(t, err)

	batch, err := testDB.CreateBatch(ctx, model.Batch{
		TenantID: tenant.ID, Name: "install_wordpress", Risk: model.RiskMedium,
		OSTargets: []string{"ubuntu", "debian"},
		InputSchema: model.InputSchema{
			Properties: map[string]model.InputProperty{
				"domain": {Type: "string"},
			},
			Required: []string{"domain"},
		},
		Scope: scope, MaxConcurrent: maxConcurrent, MaxTimeoutSec: 300,
	})
	require.NoError(t, err)

	v, err := testDB.CreateBatchVersion(ctx, tenant.ID, batch.ID, "#!/bin/sh\necho install")
	require.NoError(t, err)
	_, err = testDB.ActivateBatchVersion(ctx, tenant.ID, batch.ID, v.Version)
	require.NoError(t, err)

	conv, err := testDB.CreateConversation(ctx, tenant.ID, agent.ID, "user-1")
	require.NoError(t, err)

	batch, err = testDB.GetBatch(ctx, tenant.ID, batch.ID)
	require.NoError(t, err)

	return fixture{tenant: tenant, agent: agent, batch: batch, conv: conv}
}

func (f fixture) startParams() storage.StartRunParams {
	return storage.StartRunParams{
		TenantID: f.tenant.ID, BatchID: f.batch.ID,
		AgentID: f.agent.ID, ConversationID: f.conv.ID,
		Inputs: map[string]any{"domain": "example.com"},
	}
}

func TestStartRunEnforcesConcurrencyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	_, err := testDB.StartRun(ctx, f.startParams())
	require.NoError(t, err)

	_, err = testDB.StartRun(ctx, f.startParams())
	require.ErrorIs(t, err, storage.ErrConcurrencyLimit)
}

func TestStartRunRaceAdmitsExactlyOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	const attempts = 8
	var wg sync.WaitGroup
	results := make([]error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = testDB.StartRun(ctx, f.startParams())
		}()
	}
	wg.Wait()

	var admitted, blocked int
	for _, err := range results {
		switch {
		case err == nil:
			admitted++
		default:
			require.ErrorIs(t, err, storage.ErrConcurrencyLimit)
			blocked++
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, attempts-1, blocked)
}

func TestStartRunFreesSlotOnCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	run, err := testDB.StartRun(ctx, f.startParams())
	require.NoError(t, err)

	_, err = testDB.StartRun(ctx, f.startParams())
	require.ErrorIs(t, err, storage.ErrConcurrencyLimit)

	require.NoError(t, testDB.CompleteRun(ctx, f.tenant.ID, run.ID, model.RunSucceeded, ""))

	_, err = testDB.StartRun(ctx, f.startParams())
	require.NoError(t, err)
}

func TestStartRunRequiresActiveVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	batch, err := testDB.CreateBatch(ctx, model.Batch{
		TenantID: f.tenant.ID, Name: "no_version_yet", Risk: model.RiskLow,
		OSTargets: []string{"ubuntu"}, Scope: model.ScopeAgent,
		MaxConcurrent: 1, MaxTimeoutSec: 60,
	})
	require.NoError(t, err)

	p := f.startParams()
	p.BatchID = batch.ID
	_, err = testDB.StartRun(ctx, p)
	require.ErrorIs(t, err, storage.ErrNoActiveVersion)
}

func TestResolveBatchFiltersOS(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	got, err := testDB.ResolveBatch(ctx, f.tenant.ID, "install_wordpress", "ubuntu")
	require.NoError(t, err)
	assert.Contains(t, got.OSTargets, "ubuntu")

	_, err = testDB.ResolveBatch(ctx, f.tenant.ID, "install_wordpress", "windows")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestResolveBatchRequiresActiveVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	_, err := testDB.CreateBatch(ctx, model.Batch{
		TenantID: f.tenant.ID, Name: "drafted_only", Risk: model.RiskLow,
		OSTargets: []string{"ubuntu"}, Scope: model.ScopeAgent,
		MaxConcurrent: 1, MaxTimeoutSec: 60,
	})
	require.NoError(t, err)

	_, err = testDB.ResolveBatch(ctx, f.tenant.ID, "drafted_only", "ubuntu")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBatchVersionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	v2, err := testDB.CreateBatchVersion(ctx, f.tenant.ID, f.batch.ID, "#!/bin/sh\necho v2")
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, model.VersionDraft, v2.Status)
	assert.Len(t, v2.ContentSHA256, 64)

	activated, err := testDB.ActivateBatchVersion(ctx, f.tenant.ID, f.batch.ID, v2.Version)
	require.NoError(t, err)
	assert.Equal(t, model.VersionActive, activated.Status)

	versions, err := testDB.ListBatchVersions(ctx, f.tenant.ID, f.batch.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	byVersion := map[int]model.VersionStatus{}
	for _, v := range versions {
		byVersion[v.Version] = v.Status
	}
	assert.Equal(t, model.VersionArchived, byVersion[1])
	assert.Equal(t, model.VersionActive, byVersion[2])

	batch, err := testDB.GetBatch(ctx, f.tenant.ID, f.batch.ID)
	require.NoError(t, err)
	require.NotNil(t, batch.ActiveVersionID)
	assert.Equal(t, activated.ID, *batch.ActiveVersionID)
}

func TestConversationStateGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	state := model.ConversationState{Phase: model.PhaseIdle}.
		AwaitingInputs("install_wordpress", map[string]any{"domain": "example.com"})
	require.NoError(t, testDB.UpdateConversationState(ctx, f.tenant.ID, f.conv.ID, state))

	got, err := testDB.GetConversation(ctx, f.tenant.ID, f.conv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseAwaitingInputs, got.State.Phase)
	assert.Equal(t, "example.com", got.State.Pending["domain"])

	require.NoError(t, testDB.CloseConversation(ctx, f.tenant.ID, f.conv.ID))
	err = testDB.UpdateConversationState(ctx, f.tenant.ID, f.conv.ID, state.IdleState())
	require.ErrorIs(t, err, storage.ErrConversationClosed)

	err = testDB.UpdateConversationState(ctx, f.tenant.ID, uuid.New(), state)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteRunGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2, model.ScopeAgent)

	run, err := testDB.StartRun(ctx, f.startParams())
	require.NoError(t, err)

	err = testDB.CompleteRun(ctx, f.tenant.ID, run.ID, model.RunQueued, "")
	require.Error(t, err, "non-terminal status rejected")

	require.NoError(t, testDB.CompleteRun(ctx, f.tenant.ID, run.ID, model.RunFailed, "exit 1"))

	// A second completion finds no non-terminal row.
	err = testDB.CompleteRun(ctx, f.tenant.ID, run.ID, model.RunSucceeded, "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	got, err := testDB.GetRun(ctx, f.tenant.ID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "exit 1", *got.Error)
}

func TestEventsAppendOnlyTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	for _, typ := range []model.EventType{
		model.EventIntentClassified, model.EventInputsValidated, model.EventTaskQueued,
	} {
		require.NoError(t, testDB.InsertChatEvent(ctx, model.ChatEvent{
			TenantID: f.tenant.ID, ConversationID: f.conv.ID, AgentID: f.agent.ID,
			Type: typ, Payload: map[string]any{"intent": "install_wordpress"},
		}))
	}

	events, err := testDB.ListEventsByConversation(ctx, f.tenant.ID, f.conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventIntentClassified, events[0].Type)
	assert.Equal(t, model.EventTaskQueued, events[2].Type)
}

func TestInsertChatEventsBulk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	batch := make([]model.ChatEvent, 50)
	for i := range batch {
		batch[i] = model.ChatEvent{
			TenantID: f.tenant.ID, ConversationID: f.conv.ID, AgentID: f.agent.ID,
			Type: model.EventSmalltalk, Payload: map[string]any{"i": i},
		}
	}
	n, err := testDB.InsertChatEvents(ctx, batch)
	require.NoError(t, err)
	assert.EqualValues(t, 50, n)
}

func TestTenantScoping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)
	other, err := testDB.CreateTenant(ctx, "other-"+uuid.NewString()[:8])
	require.NoError(t, err)

	_, err = testDB.GetBatch(ctx, other.ID, f.batch.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.GetAgent(ctx, other.ID, f.agent.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.ResolveBatch(ctx, other.ID, "install_wordpress", "ubuntu")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPoliciesCRUD(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, model.ScopeAgent)

	p, err := testDB.CreatePolicy(ctx, model.CommandPolicy{
		TenantID: f.tenant.ID, Name: "no-wordpress", Pattern: "install_wordpress",
		MatchType: model.MatchExact, Mode: model.PolicyModeForbid,
		Risk: model.RiskHigh, Active: true,
	})
	require.NoError(t, err)

	active, err := testDB.ActivePolicies(ctx, f.tenant.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	p.Active = false
	_, err = testDB.UpdatePolicy(ctx, p)
	require.NoError(t, err)

	active, err = testDB.ActivePolicies(ctx, f.tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, testDB.DeletePolicy(ctx, f.tenant.ID, p.ID))
	_, err = testDB.GetPolicy(ctx, f.tenant.ID, p.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
