package watcher

import "github.com/den/gmail-workflow-connect/internal/database"

// Funcs is a Handler built from optional callbacks.
type Funcs struct {
	OnStatus    func(id int64, status database.Status)
	OnCompleted func(id int64)
	OnForeign   func(id int64, email string)
	OnFailed    func(id int64, err error)
}

func (f Funcs) StatusChanged(id int64, status database.Status) {
	if f.OnStatus != nil {
		f.OnStatus(id, status)
	}
}

func (f Funcs) Completed(id int64) {
	if f.OnCompleted != nil {
		f.OnCompleted(id)
	}
}

func (f Funcs) Foreign(id int64, email string) {
	if f.OnForeign != nil {
		f.OnForeign(id, email)
	}
}

func (f Funcs) Failed(id int64, err error) {
	if f.OnFailed != nil {
		f.OnFailed(id, err)
	}
}
