package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	caches := NewCaches(nil)
	defer caches.Close()

	dir := t.TempDir()
	cache, err := caches.Open(dir)
	require.NoError(t, err)

	_, ok, err := cache.Get("abc")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{
		Checksum:  "abc",
		MediaURI:  "s3://bucket/a.mp3",
		Provider:  "mock",
		Result:    Result{Language: "en", Segments: []Segment{{Start: 0, End: 1, Text: "hi"}}},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, cache.Put(entry))

	got, ok, err := cache.Get("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, *got)

	again, err := caches.Open(filepath.Join(dir, "."))
	require.NoError(t, err)
	assert.Same(t, cache, again)
}

func TestCaches_ConcurrentOpen(t *testing.T) {
	caches := NewCaches(nil)
	defer caches.Close()
	dir := t.TempDir()

	var wg sync.WaitGroup
	got := make([]*Cache, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := caches.Open(dir)
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}

func TestEntry_Fresh(t *testing.T) {
	now := time.Now()
	e := &Entry{Checksum: "sum", CreatedAt: now.Add(-time.Hour)}

	assert.True(t, e.Fresh("sum", time.Minute, now), "matching checksum")
	assert.True(t, e.Fresh("", 0, now), "no ttl")
	assert.True(t, e.Fresh("other", 2*time.Hour, now), "young enough")
	assert.False(t, e.Fresh("other", time.Minute, now), "expired")
}

func TestMock_Transcribe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.wav")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x81}, 0o600))

	m := &Mock{}
	res, err := m.Transcribe(context.Background(), path, "s3://b/a.wav", Config{})
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, "mock transcript of a.wav", res.Segments[0].Text)
	assert.Equal(t, 1, m.Calls())
}

func TestParseWhisper(t *testing.T) {
	raw := []byte(`{"language":"en","segments":[
		{"start":0.0,"end":2.5,"text":" Hello there.","avg_logprob":-0.1},
		{"start":2.5,"end":4.0,"text":" Bye."}
	]}`)
	res, err := parseWhisper(raw)
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "Hello there.", res.Segments[0].Text)
	require.NotNil(t, res.Segments[0].Confidence)
	assert.InDelta(t, 0.905, *res.Segments[0].Confidence, 0.001)
	assert.Nil(t, res.Segments[1].Confidence)
}

func TestWhisper_MissingBinary(t *testing.T) {
	w := &Whisper{}
	_, err := w.Transcribe(context.Background(), "a.mp3", "a.mp3", Config{WhisperBinary: filepath.Join(t.TempDir(), "no-such-whisper")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobFailed))
}

type MockTranscribeAPI struct {
	mock.Mock
}

func (m *MockTranscribeAPI) StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error) {
	args := m.Called(ctx, in)
	return &transcribe.StartTranscriptionJobOutput{}, args.Error(0)
}

func (m *MockTranscribeAPI) GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, _ ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(*transcribe.GetTranscriptionJobOutput), args.Error(1)
}

func jobOutput(status types.TranscriptionJobStatus, transcriptURI, reason string) *transcribe.GetTranscriptionJobOutput {
	job := &types.TranscriptionJob{TranscriptionJobStatus: status}
	if transcriptURI != "" {
		job.Transcript = &types.Transcript{TranscriptFileUri: aws.String(transcriptURI)}
	}
	if reason != "" {
		job.FailureReason = aws.String(reason)
	}
	return &transcribe.GetTranscriptionJobOutput{TranscriptionJob: job}
}

func TestAWS_Transcribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":{
			"transcripts":[{"transcript":"hello world. second"}],
			"audio_segments":[
				{"transcript":"hello world.","start_time":"0.1","end_time":"1.4","speaker_label":"spk_0"},
				{"transcript":"second","start_time":"1.5","end_time":"2.0","speaker_label":"spk_1"}
			]}}`))
	}))
	defer srv.Close()

	api := new(MockTranscribeAPI)
	api.On("StartTranscriptionJob", mock.Anything, mock.MatchedBy(func(in *transcribe.StartTranscriptionJobInput) bool {
		return aws.ToString(in.Media.MediaFileUri) == "s3://bucket/talk.mp3" && in.LanguageCode == types.LanguageCodeEnUs
	})).Return(nil)
	api.On("GetTranscriptionJob", mock.Anything, mock.Anything).
		Return(jobOutput(types.TranscriptionJobStatusInProgress, "", ""), nil).Once()
	api.On("GetTranscriptionJob", mock.Anything, mock.Anything).
		Return(jobOutput(types.TranscriptionJobStatusCompleted, srv.URL+"/t.json", ""), nil).Once()

	a := &AWS{Client: api, HTTPClient: srv.Client()}
	res, err := a.Transcribe(context.Background(), "/tmp/talk.mp3", "s3://bucket/talk.mp3",
		Config{Language: "en-US", PollInterval: time.Millisecond})
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, Segment{Start: 0.1, End: 1.4, Speaker: "spk_0", Text: "hello world."}, res.Segments[0])
	assert.Equal(t, "spk_1", res.Segments[1].Speaker)
	api.AssertExpectations(t)
}

func TestAWS_TranscribeFailed(t *testing.T) {
	api := new(MockTranscribeAPI)
	api.On("StartTranscriptionJob", mock.Anything, mock.Anything).Return(nil)
	api.On("GetTranscriptionJob", mock.Anything, mock.Anything).
		Return(jobOutput(types.TranscriptionJobStatusFailed, "", "The media format is not supported"), nil)

	a := &AWS{Client: api}
	_, err := a.Transcribe(context.Background(), "", "s3://bucket/x.bin", Config{PollInterval: time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobFailed))
	assert.Contains(t, err.Error(), "The media format is not supported")
}

func TestAWS_RequiresS3(t *testing.T) {
	a := &AWS{Client: new(MockTranscribeAPI)}
	_, err := a.Transcribe(context.Background(), "/tmp/a.mp3", "/tmp/a.mp3", Config{})
	assert.ErrorContains(t, err, "s3://")
}

func TestProviders(t *testing.T) {
	p := DefaultProviders()
	assert.Equal(t, []string{"aws_transcribe", "mock", "whisper_local"}, p.Names())
	_, ok := p.Get("whisper_local")
	assert.True(t, ok)
	_, ok = p.Get("nope")
	assert.False(t, ok)
}
