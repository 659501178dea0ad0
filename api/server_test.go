package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senatelabs/senate/core"
	"github.com/senatelabs/senate/repo"
)

func testHandler(t *testing.T) http.Handler {
	t.Helper()

	config := repo.DefaultConfig(t.TempDir())
	config.Log.Level = "error"
	authority := common.HexToAddress(config.Authority)

	client := core.NewMockClient()
	client.Height = 10

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := core.NewSenate(ctx, config, client)
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = s.Stop()
		_ = s.DB.Close()
	})

	source := common.HexToAddress("0x1100000000000000000000000000000000000001")
	senator := common.HexToAddress("0x2200000000000000000000000000000000000001")
	client.Capabilities[source] = core.LedgerIntegrated
	client.Balances[source] = map[common.Address]uint64{senator: 25}

	_, err = s.Admit(ctx, authority, source)
	require.Nil(t, err)
	require.Nil(t, s.AcceptToSenate(ctx, authority, senator))

	// advance the feed so height 10 is finalized
	client.Height = 20
	require.Nil(t, s.UpdateQuorumNumerator(authority, config.Governance.QuorumNumerator))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return newMux(logger, ServerConfig{Senate: s})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestMembersEndpoint(t *testing.T) {
	h := testHandler(t)

	rec := get(t, h, "/v1/members")
	require.Equal(t, http.StatusOK, rec.Code)

	var members []struct {
		Source     string `json:"source"`
		ID         uint64 `json:"id"`
		Capability string `json:"capability"`
		Status     string `json:"status"`
	}
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &members))
	require.Len(t, members, 1)
	assert.Equal(t, "ledger-integrated", members[0].Capability)
	assert.Equal(t, "active", members[0].Status)
}

func TestVotesEndpoint(t *testing.T) {
	h := testHandler(t)

	rec := get(t, h, "/v1/votes/0x2200000000000000000000000000000000000001?height=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]uint64
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(25), body["votes"])
	assert.Equal(t, uint64(10), body["height"])

	// height is mandatory
	rec = get(t, h, "/v1/votes/0x2200000000000000000000000000000000000001")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSupplyEndpointRejectsUnfinalizedHeight(t *testing.T) {
	h := testHandler(t)

	rec := get(t, h, "/v1/supply?height=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]uint64
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, uint64(25), body["supply"])

	rec = get(t, h, "/v1/supply?height=9999")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposalEndpointNotFound(t *testing.T) {
	h := testHandler(t)

	rec := get(t, h, "/v1/proposals/0xdeadbeef00000000000000000000000000000000000000000000000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGovernanceSnapshotEndpoint(t *testing.T) {
	h := testHandler(t)

	rec := get(t, h, "/v1/governance/0x2200000000000000000000000000000000000001")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap core.GovernanceSnapshot
	require.Nil(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, uint64(25), snap.CurrentPower)
	assert.True(t, snap.SenatorValid)
}
