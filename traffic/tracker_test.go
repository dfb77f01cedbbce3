package traffic

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_Counters(t *testing.T) {
	tr := NewTracker()

	tr.RecordRequest("Document", 0)
	tr.RecordResponse("Document", 1000)
	tr.RecordResponse("Script", 500)
	tr.RecordBlocked("https://tracker.example.com/pixel")
	tr.RecordFailure("https://cdn.example.com/x.js", "net", "socket hang up")

	s := tr.Snapshot()
	assert.Equal(t, int64(estimatedRequestHeaderBytes), s.RequestBytes)
	assert.Equal(t, int64(1500), s.ResponseBytes)
	assert.Equal(t, int64(500), s.BytesByType["Script"])
	assert.Equal(t, int64(1), s.BlockedCount)
	assert.Equal(t, 1, s.Failed)
}

func TestTracker_CapturedSequencesKeepOrder(t *testing.T) {
	tr := NewTracker()

	tr.AddAPIResponse("https://site/rpc/GetCreativeById", []byte(`{"1":{"2":"CR123"}}`))
	tr.AddAPIResponse("https://site/rpc/SearchCreatives", []byte(`not json`))
	tr.AddScriptResponse("https://cdn/v1/a.js?fletch-render-11", []byte("aa"))
	tr.AddScriptResponse("https://cdn/v1/b.js?fletch-render-22", []byte("bb"))

	apis := tr.APIResponses()
	require.Len(t, apis, 2)
	assert.Contains(t, apis[0].URL, "GetCreativeById")
	require.NotNil(t, apis[0].JSON)
	assert.Nil(t, apis[1].JSON, "non-JSON body keeps raw form only")

	scripts := tr.ScriptResponses()
	require.Len(t, scripts, 2)
	assert.Equal(t, "aa", scripts[0].Body)
	assert.Equal(t, []string{
		"https://cdn/v1/a.js?fletch-render-11",
		"https://cdn/v1/b.js?fletch-render-22",
	}, tr.ScriptURLs())
}

func TestTracker_ConcurrentWriters(t *testing.T) {
	tr := NewTracker()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.RecordResponse("Script", 10)
			tr.AddScriptResponse(fmt.Sprintf("https://cdn/v1/%d.js", i), []byte("x"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(500), tr.Snapshot().ResponseBytes)
	assert.Len(t, tr.ScriptResponses(), 50)
}
