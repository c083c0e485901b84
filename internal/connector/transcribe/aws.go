package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribe"
	"github.com/aws/aws-sdk-go-v2/service/transcribe/types"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const defaultPollInterval = 5 * time.Second

// TranscribeAPI is the subset of the AWS Transcribe client we call.
type TranscribeAPI interface {
	StartTranscriptionJob(ctx context.Context, in *transcribe.StartTranscriptionJobInput, opts ...func(*transcribe.Options)) (*transcribe.StartTranscriptionJobOutput, error)
	GetTranscriptionJob(ctx context.Context, in *transcribe.GetTranscriptionJobInput, opts ...func(*transcribe.Options)) (*transcribe.GetTranscriptionJobOutput, error)
}

// AWS runs a batch transcription job. The media must already live in S3;
// the client is created from the default credential chain on first use
// unless one is injected.
type AWS struct {
	Client     TranscribeAPI
	HTTPClient *http.Client

	once    sync.Once
	initErr error
}

func (a *AWS) client(ctx context.Context) (TranscribeAPI, error) {
	a.once.Do(func() {
		if a.Client != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			a.initErr = errors.Wrap(err, "aws: load config")
			return
		}
		a.Client = transcribe.NewFromConfig(cfg)
	})
	return a.Client, a.initErr
}

func (a *AWS) Transcribe(ctx context.Context, _, mediaURI string, cfg Config) (Result, error) {
	if !strings.HasPrefix(mediaURI, "s3://") {
		return Result{}, errors.Newf("aws_transcribe needs an s3:// media_uri, got %q", mediaURI)
	}
	api, err := a.client(ctx)
	if err != nil {
		return Result{}, err
	}

	name := "conduit-" + uuid.NewString()
	in := &transcribe.StartTranscriptionJobInput{
		TranscriptionJobName: aws.String(name),
		Media:                &types.Media{MediaFileUri: aws.String(mediaURI)},
	}
	if cfg.Language != "" {
		in.LanguageCode = types.LanguageCode(cfg.Language)
	} else {
		in.IdentifyLanguage = aws.Bool(true)
	}
	if cfg.OutputBucket != "" {
		in.OutputBucketName = aws.String(cfg.OutputBucket)
	}
	if _, err := api.StartTranscriptionJob(ctx, in); err != nil {
		return Result{}, errors.Wrap(err, "aws: start transcription job")
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		out, err := api.GetTranscriptionJob(ctx, &transcribe.GetTranscriptionJobInput{TranscriptionJobName: aws.String(name)})
		if err != nil {
			return Result{}, errors.Wrap(err, "aws: get transcription job")
		}
		job := out.TranscriptionJob
		if job == nil {
			return Result{}, errors.Newf("aws: job %s not found", name)
		}
		switch job.TranscriptionJobStatus {
		case types.TranscriptionJobStatusCompleted:
			if job.Transcript == nil || job.Transcript.TranscriptFileUri == nil {
				return Result{}, errors.Newf("aws: job %s completed without transcript", name)
			}
			res, err := a.download(ctx, aws.ToString(job.Transcript.TranscriptFileUri))
			if err != nil {
				return Result{}, err
			}
			if job.LanguageCode != "" {
				res.Language = string(job.LanguageCode)
			}
			return res, nil
		case types.TranscriptionJobStatusFailed:
			return Result{}, errors.Mark(errors.Newf("aws: %s", aws.ToString(job.FailureReason)), ErrJobFailed)
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type awsTranscript struct {
	Results struct {
		Transcripts []struct {
			Transcript string `json:"transcript"`
		} `json:"transcripts"`
		AudioSegments []struct {
			Transcript   string `json:"transcript"`
			StartTime    string `json:"start_time"`
			EndTime      string `json:"end_time"`
			SpeakerLabel string `json:"speaker_label"`
		} `json:"audio_segments"`
	} `json:"results"`
}

func (a *AWS) download(ctx context.Context, uri string) (Result, error) {
	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, errors.Wrap(err, "aws: download transcript")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Result{}, errors.Newf("aws: download transcript: status %d", resp.StatusCode)
	}

	var t awsTranscript
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return Result{}, errors.Wrap(err, "aws: decode transcript")
	}
	return t.result(), nil
}

func (t awsTranscript) result() Result {
	var res Result
	for _, s := range t.Results.AudioSegments {
		start, _ := strconv.ParseFloat(s.StartTime, 64)
		end, _ := strconv.ParseFloat(s.EndTime, 64)
		res.Segments = append(res.Segments, Segment{
			Start:   start,
			End:     end,
			Speaker: s.SpeakerLabel,
			Text:    strings.TrimSpace(s.Transcript),
		})
	}
	if len(res.Segments) == 0 {
		for _, tr := range t.Results.Transcripts {
			res.Segments = append(res.Segments, Segment{Text: strings.TrimSpace(tr.Transcript)})
		}
	}
	return res
}
