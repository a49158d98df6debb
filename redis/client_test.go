package redis_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	rclient "github.com/rainyctl/rainy-cloud/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Scripts(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client, err := rclient.NewClient(ctx, mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	const incr = `return redis.call('INCRBY', KEYS[1], ARGV[1])`
	require.NoError(t, client.LoadScript("incr", incr))
	require.NoError(t, client.LoadScript("incr", incr), "same content can be registered twice")
	assert.Error(t, client.LoadScript("incr", `return 1`))

	res, err := client.RunScript(ctx, "incr", []string{"counter"}, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res)

	_, err = client.RunScript(ctx, "missing", nil)
	assert.Error(t, err)
}

func TestNewClient_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	_, err = rclient.NewClient(context.Background(), addr)
	assert.Error(t, err)
}
