// Package mq is the typed broker client: one topic exchange, five durable
// queues, persistent publishing, manual acknowledgement, bounded prefetch,
// and reconnect with backoff. Connections are opened per role.
package mq

import (
	"fmt"
	"net/url"
	"time"
)

// Queue and binding names of the checking topology.
const (
	QueueInstructions   = "caldera.checking.instructions"
	QueueAPITasks       = "caldera.checking.api.tasks"
	QueueAgentTasks     = "caldera.checking.agent.tasks"
	QueueAPIResponses   = "caldera.checking.api.responses"
	QueueAgentResponses = "caldera.checking.agent.responses"

	// BindingExecutionResult matches any upstream publisher of execution
	// results; the reference producer routes with KeyExecutionResult.
	BindingExecutionResult = "*.execution.result"
	KeyExecutionResult     = "caldera.execution.result"

	KeyAPITask       = "checking.api.task"
	KeyAgentTask     = "checking.agent.task"
	KeyAPIResponse   = "checking.api.response"
	KeyAgentResponse = "checking.agent.response"
)

// Role selects the broker account a component connects with.
type Role string

const (
	RolePublisher      Role = "publisher"
	RoleConsumer       Role = "consumer"
	RoleDispatcher     Role = "dispatcher"
	RoleWorker         Role = "worker"
	RoleResultConsumer Role = "result_consumer"
)

// Credentials is one role's broker account.
type Credentials struct {
	User     string
	Password string
}

// DeadLetter names the reject route for messages the engine refuses.
type DeadLetter struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Config describes the broker endpoint and client behavior.
type Config struct {
	Host     string
	Port     int
	VHost    string
	Exchange string
	Roles    map[string]Credentials

	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	ReconnectJitter float64

	PublishTimeout  time.Duration
	PoisonThreshold int

	DeadLetter DeadLetter
}

// URL renders the AMQP URL for a role. Unknown roles yield an error so a
// misconfigured deployment fails at startup, not mid-consume.
func (c Config) URL(role Role) (string, error) {
	creds, ok := c.Roles[string(role)]
	if !ok {
		return "", fmt.Errorf("no broker credentials for role %q", string(role))
	}
	// The vhost may itself start with "/" (e.g. "/caldera_checking"), so it
	// must be escaped as one path segment.
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(creds.User), url.QueryEscape(creds.Password),
		c.Host, c.Port, url.PathEscape(c.VHost)), nil
}
