package registry

import "github.com/go-redis/redis/v8"

// Every multi-key transition runs as a single script so that concurrent
// processes observe it atomically. A naive read-then-write lets a task
// created between the read and the write escape cancellation.

// createScript consumes the pending-cancel sentinel and stores the task.
//
// KEYS: task hash, project set, cancelled set, pending-cancel set
// ARGV: id, type, metadata json, project id ("" for none)
var createScript = redis.NewScript(`
local status = 'running'
local pid = ARGV[4]
if pid ~= '' and redis.call('SREM', KEYS[4], pid) == 1 then
  status = 'cancelled'
end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'type', ARGV[2], 'metadata', ARGV[3], 'status', status)
if pid ~= '' then
  redis.call('SADD', KEYS[2], ARGV[1])
end
if status == 'cancelled' then
  redis.call('SADD', KEYS[3], ARGV[1])
end
return status
`)

// cancelScript flips a running task to cancelled. Returns 1 if the task exists.
//
// KEYS: task hash, cancelled set
// ARGV: id
var cancelScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return 0
end
if status == 'running' then
  redis.call('HSET', KEYS[1], 'status', 'cancelled')
  redis.call('SADD', KEYS[2], ARGV[1])
end
return 1
`)

// cancelProjectScript cancels every running task of a project, or leaves a
// pending-cancel sentinel when the project has no tasks yet. The membership
// test and the sentinel write happen in one step so a concurrent create
// either sees the sentinel or is already a member and gets flipped.
//
// KEYS: project set, cancelled set, pending-cancel set
// ARGV: project id, task key prefix
var cancelProjectScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
if #ids == 0 then
  redis.call('SADD', KEYS[3], ARGV[1])
  return 0
end
redis.call('SREM', KEYS[3], ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'running' then
    redis.call('HSET', key, 'status', 'cancelled')
    redis.call('SADD', KEYS[2], id)
    n = n + 1
  end
end
return n
`)

// completeScript drops a task from the cancelled index and marks it
// completed. The index entry is removed even when the hash was already
// cleaned up. Returns 1 if the task exists.
//
// KEYS: task hash, cancelled set
// ARGV: id
var completeScript = redis.NewScript(`
redis.call('SREM', KEYS[2], ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'completed')
return 1
`)
