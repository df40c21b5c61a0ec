package client

// OperationListener receives the outcome of an operation that returns no value.
type OperationListener interface {
	OnSuccess()
	OnError(err error)
}

// OperationFuncs adapts functions to OperationListener. Nil functions are skipped.
type OperationFuncs struct {
	Success func()
	Error   func(err error)
}

func (f OperationFuncs) OnSuccess() {
	if f.Success != nil {
		f.Success()
	}
}

func (f OperationFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// SessionLookupListener receives the outcome of FindSession. The session is
// nil when the identifier is unknown.
type SessionLookupListener interface {
	OnSuccess(session *Session)
	OnError(err error)
}

// SessionLookupFuncs adapts functions to SessionLookupListener.
type SessionLookupFuncs struct {
	Success func(session *Session)
	Error   func(err error)
}

func (f SessionLookupFuncs) OnSuccess(session *Session) {
	if f.Success != nil {
		f.Success(session)
	}
}

func (f SessionLookupFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// InvitationListener receives the join URL of an issued invitation.
type InvitationListener interface {
	OnSuccess(url string)
	OnError(err error)
}

// InvitationFuncs adapts functions to InvitationListener.
type InvitationFuncs struct {
	Success func(url string)
	Error   func(err error)
}

func (f InvitationFuncs) OnSuccess(url string) {
	if f.Success != nil {
		f.Success(url)
	}
}

func (f InvitationFuncs) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}

// ExpirationListener is notified once when a session expires.
type ExpirationListener interface {
	OnExpired(sessionID string)
}

// ExpirationFunc adapts a function to ExpirationListener.
type ExpirationFunc func(sessionID string)

func (f ExpirationFunc) OnExpired(sessionID string) { f(sessionID) }
