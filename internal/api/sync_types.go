package api

import (
	"github.com/tildaslashalef/stsync/internal/sync"
	"github.com/tildaslashalef/stsync/internal/sync/scheduler"
)

type triggerInput struct {
	Group string       `path:"group" enum:"all,scheduling,pricebook" doc:"Entity group to sync"`
	Body  *triggerBody `required:"false"`
}

type triggerBody struct {
	EntityTypes []string `json:"entityTypes,omitempty" doc:"Restrict the run to these entity types"`
	DryRun      bool     `json:"dryRun,omitempty" doc:"Compare only, write nothing"`
	TriggeredBy string   `json:"triggeredBy,omitempty" doc:"Free-form caller identity recorded on the run"`
}

type triggerOutput struct {
	Body triggerResponse
}

type triggerResponse struct {
	Message     string            `json:"message"`
	SyncType    sync.SyncType     `json:"syncType"`
	Group       sync.EntityGroup  `json:"group"`
	EntityTypes []sync.EntityType `json:"entityTypes"`
	DryRun      bool              `json:"dryRun"`
}

type getStatusInput struct{}

type getStatusOutput struct {
	Body statusResponse
}

type statusResponse struct {
	Database  *sync.Status      `json:"database"`
	Scheduler *scheduler.Status `json:"scheduler,omitempty"`
}

type listLogsInput struct {
	Limit int `query:"limit" minimum:"0" maximum:"200" doc:"Number of runs to return (default 20)"`
}

type listLogsOutput struct {
	Body struct {
		Logs []*sync.SyncLog `json:"logs"`
	}
}

type getLogInput struct {
	ID string `path:"id"`
}

type getLogOutput struct {
	Body *sync.SyncLog
}

type listConflictsInput struct {
	Status string `query:"status" enum:"unresolved,resolved" doc:"Filter by status"`
	Limit  int    `query:"limit" minimum:"0" maximum:"200"`
}

type listConflictsOutput struct {
	Body struct {
		Conflicts []*sync.SyncConflict `json:"conflicts"`
	}
}

type resolveConflictInput struct {
	ID   string `path:"id"`
	Body struct {
		Resolution string `json:"resolution" enum:"use_remote,keep_local"`
		ResolvedBy string `json:"resolvedBy,omitempty"`
	}
}

type resolveConflictOutput struct {
	Body *sync.SyncConflict
}
