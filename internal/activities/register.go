package activities

import "go.temporal.io/sdk/worker"

func Register(w worker.Worker, a *Activities) {
	w.RegisterActivity(a.IntakePaperActivity)
	w.RegisterActivity(a.CompileSchemaActivity)
	w.RegisterActivity(a.BeginResultActivity)
	w.RegisterActivity(a.ExtractActivity)
	w.RegisterActivity(a.FinalizeResultActivity)
	w.RegisterActivity(a.PublishProgressActivity)
	w.RegisterActivity(a.CleanupStagedFilesActivity)
}
