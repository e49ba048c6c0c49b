// Package redis implements the backend.Store contract on a Redis server.
//
// Key layout, everything namespaced by a configurable prefix:
//
//	<prefix>:weblab:sessions:<id>      existence marker, expires after the
//	                                   active record (grace for disposal
//	                                   detection across processes)
//	<prefix>:weblab:active:<id>        hash with the live session fields
//	<prefix>:weblab:inactive:<id>      hash with the expired session fields
//	<prefix>:weblab:tasks:<tid>        hash with the task fields
//	<prefix>:weblab:session-tasks:<id> set of task ids owned by a session
//	<prefix>:weblab:task-ids:<tid>     id-uniqueness marker
//	<prefix>:weblab:task-ids:active:<tid>  claim-scan marker
//	<prefix>:weblab:global-unique-tasks:<name>
//	<prefix>:weblab:user-unique-tasks:<name>:<id>
//
// Every multi-step mutation is one pipeline round trip, so no concurrent
// actor can observe a half-applied state.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/remotelab/weblab-gateway/internal/backend"
	"github.com/remotelab/weblab-gateway/internal/models"
	"github.com/remotelab/weblab-gateway/pkg/logger"
	"github.com/remotelab/weblab-gateway/pkg/token"
)

// markerGrace is how much longer the existence marker lives compared to
// the active record.
const markerGrace = 300 * time.Second

type Config struct {
	// Prefix namespaces every key so several labs can share one server.
	Prefix string

	// TaskExpiry bounds how long task indices and results stay around.
	TaskExpiry time.Duration

	// ExpiredUserExpiry is the TTL of the inactive record (the
	// "redirect back" grace period).
	ExpiredUserExpiry time.Duration

	// LockExpiry bounds uniqueness locks so a crashed worker cannot
	// block a task name forever.
	LockExpiry time.Duration
}

type Store struct {
	cli *redis.Client
	cfg Config
	l   logger.Logger
}

var _ backend.Store = (*Store)(nil)

func New(cli *redis.Client, cfg Config, l logger.Logger) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "lab"
	}
	if cfg.TaskExpiry <= 0 {
		cfg.TaskExpiry = time.Hour
	}
	if cfg.ExpiredUserExpiry <= 0 {
		cfg.ExpiredUserExpiry = time.Hour
	}
	if cfg.LockExpiry <= 0 {
		cfg.LockExpiry = 2 * time.Hour
	}
	return &Store{cli: cli, cfg: cfg, l: l}
}

func (s *Store) sessionKey(id string) string {
	return fmt.Sprintf("%s:weblab:sessions:%s", s.cfg.Prefix, id)
}

func (s *Store) activeKey(id string) string {
	return fmt.Sprintf("%s:weblab:active:%s", s.cfg.Prefix, id)
}

func (s *Store) inactiveKey(id string) string {
	return fmt.Sprintf("%s:weblab:inactive:%s", s.cfg.Prefix, id)
}

func (s *Store) taskKey(id string) string {
	return fmt.Sprintf("%s:weblab:tasks:%s", s.cfg.Prefix, id)
}

func (s *Store) sessionTasksKey(sessionID string) string {
	return fmt.Sprintf("%s:weblab:session-tasks:%s", s.cfg.Prefix, sessionID)
}

func (s *Store) taskIDKey(id string) string {
	return fmt.Sprintf("%s:weblab:task-ids:%s", s.cfg.Prefix, id)
}

func (s *Store) taskActiveIDKey(id string) string {
	return fmt.Sprintf("%s:weblab:task-ids:active:%s", s.cfg.Prefix, id)
}

func (s *Store) globalLockKey(name string) string {
	return fmt.Sprintf("%s:weblab:global-unique-tasks:%s", s.cfg.Prefix, name)
}

func (s *Store) userLockKey(name, sessionID string) string {
	return fmt.Sprintf("%s:weblab:user-unique-tasks:%s:%s", s.cfg.Prefix, name, sessionID)
}

// execPipe runs a pipeline ignoring redis.Nil: per-command misses are
// checked by the callers on the individual commands.
func execPipe(ctx context.Context, pipe redis.Pipeliner) error {
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseBool(s string) bool {
	switch s {
	case "true", "True", "TRUE", "1":
		return true
	}
	return false
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func marshalMap(m map[string]any) string {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func unmarshalMap(s string) map[string]any {
	m := map[string]any{}
	if s != "" {
		_ = json.Unmarshal([]byte(s), &m)
	}
	return m
}

func recordFields(rec models.SessionRecord) map[string]any {
	return map[string]any{
		"back":                rec.Back,
		"last_poll":           formatFloat(rec.LastPoll),
		"max_date":            formatFloat(rec.MaxDate),
		"start_date":          formatFloat(rec.StartDate),
		"username":            rec.Username,
		"username_unique":     rec.UsernameUnique,
		"full_name":           rec.FullName,
		"locale":              rec.Locale,
		"experiment_name":     rec.ExperimentName,
		"category_name":       rec.CategoryName,
		"experiment_id":       rec.ExperimentID,
		"exited":              formatBool(rec.Exited),
		"request_client_data": marshalMap(rec.RequestClientData),
		"request_server_data": marshalMap(rec.RequestServerData),
	}
}

func recordFromFields(sessionID string, m map[string]string) models.SessionRecord {
	return models.SessionRecord{
		ID:                sessionID,
		Back:              m["back"],
		LastPoll:          parseFloat(m["last_poll"]),
		MaxDate:           parseFloat(m["max_date"]),
		StartDate:         parseFloat(m["start_date"]),
		Username:          m["username"],
		UsernameUnique:    m["username_unique"],
		FullName:          m["full_name"],
		Locale:            m["locale"],
		ExperimentName:    m["experiment_name"],
		CategoryName:      m["category_name"],
		ExperimentID:      m["experiment_id"],
		Exited:            parseBool(m["exited"]),
		RequestClientData: unmarshalMap(m["request_client_data"]),
		RequestServerData: unmarshalMap(m["request_server_data"]),
	}
}

func (s *Store) AddUser(ctx context.Context, sessionID string, user *models.CurrentUser, expiration time.Duration) error {
	fields := recordFields(user.SessionRecord)
	fields["data"] = marshalMap(user.Data.Values())

	pipe := s.cli.Pipeline()
	pipe.HSet(ctx, s.activeKey(sessionID), fields)
	pipe.Expire(ctx, s.activeKey(sessionID), expiration)
	pipe.Set(ctx, s.sessionKey(sessionID), formatFloat(models.Timestamp()), expiration+markerGrace)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.AddUser: %v", err)
		return err
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, sessionID string) (models.User, error) {
	fields, err := s.cli.HGetAll(ctx, s.activeKey(sessionID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.GetUser: %v", err)
		return nil, err
	}
	if len(fields) == 0 {
		return s.getExpiredUser(ctx, sessionID)
	}

	return models.NewCurrentUser(recordFromFields(sessionID, fields), unmarshalMap(fields["data"])), nil
}

func (s *Store) getExpiredUser(ctx context.Context, sessionID string) (models.User, error) {
	fields, err := s.cli.HGetAll(ctx, s.inactiveKey(sessionID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.getExpiredUser: %v", err)
		return nil, err
	}
	if len(fields) == 0 {
		return models.AnonymousUser{}, nil
	}

	rec := recordFromFields(sessionID, fields)
	return models.NewExpiredUser(rec, unmarshalMap(fields["data"]), parseBool(fields["disposing_resources"])), nil
}

func (s *Store) UpdateData(ctx context.Context, sessionID string, data map[string]any) error {
	raw := marshalMap(data)

	pipe := s.cli.Pipeline()
	activeCheck := pipe.HGet(ctx, s.activeKey(sessionID), "max_date")
	inactiveCheck := pipe.HGet(ctx, s.inactiveKey(sessionID), "max_date")
	pipe.HSet(ctx, s.activeKey(sessionID), "data", raw)
	pipe.HSet(ctx, s.inactiveKey(sessionID), "data", raw)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.UpdateData: %v", err)
		return err
	}

	// A record that vanished mid-write must not be resurrected by the
	// data field alone.
	if activeCheck.Err() == redis.Nil {
		if err := s.cli.Del(ctx, s.activeKey(sessionID)).Err(); err != nil {
			return err
		}
	}
	if inactiveCheck.Err() == redis.Nil {
		if err := s.cli.Del(ctx, s.inactiveKey(sessionID)).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, sessionID string, expired *models.ExpiredUser) (bool, error) {
	if err := s.cli.HGet(ctx, s.activeKey(sessionID), "max_date").Err(); err != nil {
		if err == redis.Nil {
			return false, nil
		}
		s.l.Errorf(ctx, "redis.Store.DeleteUser: %v", err)
		return false, err
	}

	fields := recordFields(expired.SessionRecord)
	fields["data"] = marshalMap(expired.Data())
	fields["disposing_resources"] = formatBool(true)

	pipe := s.cli.Pipeline()
	delCmd := pipe.Del(ctx, s.activeKey(sessionID))
	pipe.HSet(ctx, s.inactiveKey(sessionID), fields)
	pipe.Expire(ctx, s.inactiveKey(sessionID), s.cfg.ExpiredUserExpiry)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.DeleteUser: %v", err)
		return false, err
	}

	// DEL returning 0 means another caller won the transition between
	// the check above and this pipeline.
	return delCmd.Val() != 0, nil
}

func (s *Store) FinishedDispose(ctx context.Context, sessionID string) error {
	created, err := s.cli.HSet(ctx, s.inactiveKey(sessionID), "disposing_resources", formatBool(false)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.FinishedDispose: %v", err)
		return err
	}
	if created == 1 {
		// The flag-clear created the field, so the record was already
		// gone: drop the stray hash instead of keeping a partial one.
		return s.cli.Del(ctx, s.inactiveKey(sessionID)).Err()
	}
	return nil
}

func (s *Store) ForceExit(ctx context.Context, sessionID string) error {
	pipe := s.cli.Pipeline()
	check := pipe.HGet(ctx, s.activeKey(sessionID), "max_date")
	pipe.HSet(ctx, s.activeKey(sessionID), "exited", formatBool(true))
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.ForceExit: %v", err)
		return err
	}

	if check.Err() == redis.Nil {
		// Already disposed in the meanwhile.
		return s.cli.Del(ctx, s.activeKey(sessionID)).Err()
	}
	return nil
}

func (s *Store) FindExpiredSessions(ctx context.Context, pollTimeout time.Duration) ([]string, error) {
	prefix := fmt.Sprintf("%s:weblab:active:", s.cfg.Prefix)

	var expired []string
	iter := s.cli.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		sessionID := strings.TrimPrefix(iter.Val(), prefix)

		vals, err := s.cli.HMGet(ctx, s.activeKey(sessionID), "max_date", "last_poll", "exited").Result()
		if err != nil {
			return nil, err
		}
		maxDate, okMax := vals[0].(string)
		lastPoll, okPoll := vals[1].(string)
		if !okMax || !okPoll {
			// Deleted in the meanwhile.
			continue
		}

		now := models.Timestamp()
		timeLeft := parseFloat(maxDate) - now
		withoutPolling := now - parseFloat(lastPoll)
		exited, _ := vals[2].(string)

		switch {
		case timeLeft <= 0:
			expired = append(expired, sessionID)
		case pollTimeout > 0 && withoutPolling >= pollTimeout.Seconds():
			expired = append(expired, sessionID)
		case parseBool(exited):
			expired = append(expired, sessionID)
		}
	}
	if err := iter.Err(); err != nil {
		s.l.Errorf(ctx, "redis.Store.FindExpiredSessions: %v", err)
		return nil, err
	}
	return expired, nil
}

func (s *Store) Poll(ctx context.Context, sessionID string) error {
	pipe := s.cli.Pipeline()
	check := pipe.HGet(ctx, s.activeKey(sessionID), "max_date")
	pipe.HSet(ctx, s.activeKey(sessionID), "last_poll", formatFloat(models.Timestamp()))
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.Poll: %v", err)
		return err
	}

	if check.Err() == redis.Nil {
		// Deleted concurrently: undo instead of resurrecting.
		return s.cli.Del(ctx, s.activeKey(sessionID)).Err()
	}
	return nil
}

func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	user, err := s.GetUser(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return !user.Anonymous(), nil
}

func (s *Store) IsSessionDeleted(ctx context.Context, sessionID string) (bool, error) {
	err := s.cli.Get(ctx, s.sessionKey(sessionID)).Err()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.IsSessionDeleted: %v", err)
		return false, err
	}
	return false, nil
}

func (s *Store) ReportSessionDeleted(ctx context.Context, sessionID string) error {
	return s.cli.Del(ctx, s.sessionKey(sessionID)).Err()
}

func (s *Store) NewTask(ctx context.Context, sessionID, name string, params json.RawMessage) (string, error) {
	if params == nil {
		params = json.RawMessage("null")
	}

	var taskID string
	for {
		taskID = token.NewTaskID()
		ok, err := s.cli.SetNX(ctx, s.taskIDKey(taskID), taskID, s.cfg.TaskExpiry).Result()
		if err != nil {
			s.l.Errorf(ctx, "redis.Store.NewTask: %v", err)
			return "", err
		}
		if ok {
			break
		}
		// Collision: try another id.
	}

	pipe := s.cli.Pipeline()
	pipe.HSet(ctx, s.taskKey(taskID), map[string]any{
		"name":       name,
		"session_id": sessionID,
		"params":     string(params),
		"finished":   "false",
		"result":     "null",
		"error":      "null",
		"data":       "{}",
		"stopping":   "false",
		// No "running" field yet: its creation is the claim.
	})
	pipe.SAdd(ctx, s.sessionTasksKey(sessionID), taskID)
	pipe.Expire(ctx, s.sessionTasksKey(sessionID), s.cfg.TaskExpiry)
	pipe.Set(ctx, s.taskActiveIDKey(taskID), taskID, s.cfg.TaskExpiry)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.NewTask: %v", err)
		return "", err
	}
	return taskID, nil
}

func (s *Store) StartTask(ctx context.Context, taskID string) (*backend.StartedTask, error) {
	key := s.taskKey(taskID)

	pipe := s.cli.Pipeline()
	claim := pipe.HSet(ctx, key, "running", "1")
	name := pipe.HGet(ctx, key, "name")
	params := pipe.HGet(ctx, key, "params")
	sessionID := pipe.HGet(ctx, key, "session_id")
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.StartTask: %v", err)
		return nil, err
	}

	if claim.Val() == 0 {
		// Another worker created the running field first.
		return nil, nil
	}
	if name.Err() == redis.Nil {
		// The record was deleted before the claim; drop the stray hash
		// the claim just created.
		if err := s.cli.Del(ctx, key).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &backend.StartedTask{
		TaskID:    taskID,
		SessionID: sessionID.Val(),
		Name:      name.Val(),
		Params:    json.RawMessage(params.Val()),
	}, nil
}

func (s *Store) FinishTask(ctx context.Context, taskID string, result json.RawMessage, taskErr *models.TaskError) error {
	if result != nil && taskErr != nil {
		return fmt.Errorf("finish task %s: result and error are mutually exclusive", taskID)
	}

	resultRaw := "null"
	if result != nil {
		resultRaw = string(result)
	}
	errorRaw := "null"
	if taskErr != nil {
		raw, err := json.Marshal(taskErr)
		if err != nil {
			return err
		}
		errorRaw = string(raw)
	}

	key := s.taskKey(taskID)
	pipe := s.cli.Pipeline()
	check := pipe.HGet(ctx, key, "session_id")
	pipe.HSet(ctx, key, "finished", "true")
	pipe.HSet(ctx, key, "result", resultRaw)
	pipe.HSet(ctx, key, "error", errorRaw)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.FinishTask: %v", err)
		return err
	}

	if check.Err() == redis.Nil {
		return s.cli.Del(ctx, key).Err()
	}
	return nil
}

func (s *Store) UpdateTaskData(ctx context.Context, taskID string, data map[string]any) error {
	key := s.taskKey(taskID)
	pipe := s.cli.Pipeline()
	check := pipe.HGet(ctx, key, "name")
	pipe.HSet(ctx, key, "data", marshalMap(data))
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.UpdateTaskData: %v", err)
		return err
	}

	if check.Err() == redis.Nil {
		return s.cli.Del(ctx, key).Err()
	}
	return nil
}

func (s *Store) RequestStopTask(ctx context.Context, taskID string) error {
	key := s.taskKey(taskID)
	pipe := s.cli.Pipeline()
	check := pipe.HGet(ctx, key, "name")
	pipe.HSet(ctx, key, "stopping", formatBool(true))
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.RequestStopTask: %v", err)
		return err
	}

	if check.Err() == redis.Nil {
		return s.cli.Del(ctx, key).Err()
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*models.TaskRecord, error) {
	fields, err := s.cli.HGetAll(ctx, s.taskKey(taskID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.GetTask: %v", err)
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var taskErr *models.TaskError
	if raw := fields["error"]; raw != "" && raw != "null" {
		taskErr = &models.TaskError{}
		if err := json.Unmarshal([]byte(raw), taskErr); err != nil {
			taskErr = &models.TaskError{Code: models.TaskErrorCodeException, Message: raw}
		}
	}

	var result json.RawMessage
	if raw := fields["result"]; raw != "" && raw != "null" {
		result = json.RawMessage(raw)
	}

	_, claimed := fields["running"]
	status := models.DeriveTaskStatus(claimed, fields["finished"] == "true", taskErr != nil)

	return &models.TaskRecord{
		TaskID:    taskID,
		SessionID: fields["session_id"],
		Name:      fields["name"],
		Params:    json.RawMessage(fields["params"]),
		Status:    status,
		Result:    result,
		Error:     taskErr,
		Data:      unmarshalMap(fields["data"]),
		Stopping:  parseBool(fields["stopping"]),
	}, nil
}

func (s *Store) GetAllTasks(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.cli.SMembers(ctx, s.sessionTasksKey(sessionID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.GetAllTasks: %v", err)
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetUnfinishedTasks(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := s.cli.SMembers(ctx, s.sessionTasksKey(sessionID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.GetUnfinishedTasks: %v", err)
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.cli.Pipeline()
	checks := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.HGet(ctx, s.taskKey(id), "finished")
	}
	if err := execPipe(ctx, pipe); err != nil {
		return nil, err
	}

	var pending []string
	for i, id := range ids {
		// Finished or failed: "true". Expired record: redis.Nil. Both
		// count as no longer pending.
		if checks[i].Err() == nil && checks[i].Val() == "false" {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

func (s *Store) GetTasksNotStarted(ctx context.Context) ([]string, error) {
	prefix := fmt.Sprintf("%s:weblab:task-ids:active:", s.cfg.Prefix)

	var ids []string
	iter := s.cli.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		s.l.Errorf(ctx, "redis.Store.GetTasksNotStarted: %v", err)
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.cli.Pipeline()
	checks := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		checks[i] = pipe.HGet(ctx, s.taskKey(id), "running")
	}
	if err := execPipe(ctx, pipe); err != nil {
		return nil, err
	}

	var notStarted []string
	for i, id := range ids {
		if checks[i].Err() == redis.Nil {
			notStarted = append(notStarted, id)
		}
	}
	return notStarted, nil
}

func (s *Store) CleanSessionTasks(ctx context.Context, sessionID string) error {
	ids, err := s.cli.SMembers(ctx, s.sessionTasksKey(sessionID)).Result()
	if err != nil {
		s.l.Errorf(ctx, "redis.Store.CleanSessionTasks: %v", err)
		return err
	}

	pipe := s.cli.Pipeline()
	pipe.Del(ctx, s.sessionTasksKey(sessionID))
	for _, id := range ids {
		pipe.Del(ctx, s.taskKey(id))
		pipe.Del(ctx, s.taskIDKey(id))
		pipe.Del(ctx, s.taskActiveIDKey(id))
	}
	return execPipe(ctx, pipe)
}

func (s *Store) LockGlobalUniqueTask(ctx context.Context, name string) (bool, error) {
	return s.acquireLock(ctx, s.globalLockKey(name))
}

func (s *Store) UnlockGlobalUniqueTask(ctx context.Context, name string) error {
	return s.cli.Del(ctx, s.globalLockKey(name)).Err()
}

func (s *Store) LockUserUniqueTask(ctx context.Context, name, sessionID string) (bool, error) {
	return s.acquireLock(ctx, s.userLockKey(name, sessionID))
}

func (s *Store) UnlockUserUniqueTask(ctx context.Context, name, sessionID string) error {
	return s.cli.Del(ctx, s.userLockKey(name, sessionID)).Err()
}

func (s *Store) CleanLockGlobalUniqueTask(ctx context.Context, name string) error {
	return s.UnlockGlobalUniqueTask(ctx, name)
}

func (s *Store) acquireLock(ctx context.Context, key string) (bool, error) {
	pipe := s.cli.Pipeline()
	claim := pipe.HSet(ctx, key, "running", "1")
	pipe.Expire(ctx, key, s.cfg.LockExpiry)
	if err := execPipe(ctx, pipe); err != nil {
		s.l.Errorf(ctx, "redis.Store.acquireLock: %v", err)
		return false, err
	}
	return claim.Val() == 1, nil
}
