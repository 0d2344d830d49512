package kv

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument(t *testing.T) {
	r, _ := newTestRedis(t)
	reg := prometheus.NewRegistry()
	c := Instrument(r, reg)
	m := c.(*instrumented).m

	do(t, c, CmdSet, "ohm:a", "1")
	do(t, c, CmdGet, "ohm:a")
	do(t, c, CmdGet, "ohm:b")
	_, err := c.Do(context.Background(), Cmd("flushall", ""))
	require.Error(t, err)

	batch := c.Multi()
	require.NoError(t, batch.Queue(Cmd(CmdSet, "ohm:c", "1")))
	require.NoError(t, batch.Queue(Cmd(CmdDel, "ohm:a")))
	_, err = batch.Exec(context.Background())
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.commands.WithLabelValues(CmdSet)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.commands.WithLabelValues(CmdGet)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.commands.WithLabelValues("exec")))
	// Unsupported commands are counted but not reported as errors.
	assert.Equal(t, float64(0), testutil.ToFloat64(m.errors.WithLabelValues("flushall")))

	n, err := testutil.GatherAndCount(reg, "ohm_kv_batch_commands")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
