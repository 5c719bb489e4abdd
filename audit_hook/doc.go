// Package audithook bridges enrichment lifecycle events to an audit
// trail backend. Each ext hook emits one structured audit event
// through an injected Recorder, so compliance logging lives outside
// the pipeline itself.
//
// The Recorder interface is defined locally; callers bridge it to
// their audit backend with a RecorderFunc at wiring time:
//
//	eng, _ := engine.New(
//	    engine.WithExtension(audithook.New(
//	        audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            return trail.Write(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	        }),
//	    )),
//	    ...
//	)
package audithook
