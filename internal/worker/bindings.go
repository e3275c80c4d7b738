package worker

import (
	"context"

	"seva-orchestrator/internal/capability"
	"seva-orchestrator/internal/dispatch"
	"seva-orchestrator/internal/models"
)

// StageBindings adapts the collaborator capability set into the dispatcher's
// stage registry. Each binding reads its inputs from the job's request and
// accumulated result, and returns the fragment its success contributes.
func StageBindings(set capability.Set) map[string]dispatch.StageFunc {
	return map[string]dispatch.StageFunc{
		models.StageTranscribe: func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error) {
			audioKey, _ := job.Request[models.RequestAudioKey].(string)
			if audioKey == "" {
				return nil, capability.Permanentf("submission carries no voice payload")
			}
			lang, _ := job.Request[models.RequestLanguageHint].(string)
			res, err := set.Transcriber.Transcribe(ctx, capability.TranscribeRequest{
				JobID:          job.ID,
				AudioKey:       audioKey,
				LanguageHint:   lang,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{models.ResultTranscript: res.Transcript}, nil
		},

		models.StageExtractIntent: func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error) {
			transcript, _ := job.Result[models.ResultTranscript].(string)
			if transcript == "" {
				return nil, capability.Permanentf("no transcript to extract intent from")
			}
			res, err := set.Extractor.ExtractIntent(ctx, capability.IntentRequest{
				JobID:          job.ID,
				Transcript:     transcript,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"scheme":              res.Scheme,
				models.ResultIntent:   res.Intent,
				models.ResultEntities: res.Entities,
			}, nil
		},

		models.StageVerifyDocuments: func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error) {
			keys := documentKeys(job)
			if len(keys) == 0 {
				// Documents are optional; nothing to verify.
				return map[string]any{models.ResultExtractedFields: map[string]any{}}, nil
			}
			res, err := set.Verifier.VerifyDocument(ctx, capability.VerifyRequest{
				JobID:          job.ID,
				DocumentKeys:   keys,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				models.ResultExtractedFields: res.ExtractedFields,
				models.ResultMaskedArtifact:  res.MaskedArtifact,
			}, nil
		},

		models.StageNavigatePortal: func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error) {
			res, err := set.Navigator.NavigatePortal(ctx, capability.NavigateRequest{
				JobID:          job.ID,
				Scheme:         job.Scheme,
				Fields:         portalFields(job),
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return nil, err
			}
			out := map[string]any{}
			if res.Reference != "" {
				out[models.ResultReference] = res.Reference
			}
			return out, nil
		},

		models.StageSolveCaptcha: func(ctx context.Context, job models.Job, idemKey string) (map[string]any, error) {
			res, err := set.Navigator.SolveCaptcha(ctx, capability.NavigateRequest{
				JobID:          job.ID,
				Scheme:         job.Scheme,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return nil, err
			}
			out := map[string]any{}
			if res.Reference != "" {
				out[models.ResultReference] = res.Reference
			}
			return out, nil
		},
	}
}

func documentKeys(job models.Job) []string {
	raw, ok := job.Request[models.RequestDocumentKeys].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			keys = append(keys, s)
		}
	}
	return keys
}

// portalFields merges entity extraction and document verification output
// into the form fields the portal agent fills in.
func portalFields(job models.Job) map[string]any {
	fields := map[string]any{}
	if entities, ok := job.Result[models.ResultEntities].(map[string]any); ok {
		for k, v := range entities {
			fields[k] = v
		}
	}
	if extracted, ok := job.Result[models.ResultExtractedFields].(map[string]any); ok {
		for k, v := range extracted {
			fields[k] = v
		}
	}
	return fields
}
