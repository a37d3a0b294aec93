package redis

import goredis "github.com/redis/go-redis/v9"

// Scripts run as single atomic steps on the server. They derive the per-token
// branch index key from ARGV, so the store expects a standalone or sentinel
// deployment rather than Redis Cluster.

// popMaxScript removes the best ranked member: highest score, then the
// earliest arrival, then the smallest token id.
//
// KEYS: queue, tokens, arrivals. ARGV: index prefix, branch id.
// Returns {token id, score, snapshot} or nil when the queue is empty.
var popMaxScript = goredis.NewScript(`
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #top == 0 then
	return false
end
local score = top[2]
local tied = redis.call('ZRANGEBYSCORE', KEYS[1], score, score)
local pick = nil
local pickArrival = nil
for _, id in ipairs(tied) do
	local arrival = tonumber(redis.call('HGET', KEYS[3], id) or '0')
	if pick == nil or arrival < pickArrival or (arrival == pickArrival and id < pick) then
		pick = id
		pickArrival = arrival
	end
end
local snapshot = redis.call('HGET', KEYS[2], pick) or ''
redis.call('ZREM', KEYS[1], pick)
redis.call('HDEL', KEYS[2], pick)
redis.call('HDEL', KEYS[3], pick)
local indexKey = ARGV[1] .. pick .. ':branch'
if redis.call('GET', indexKey) == ARGV[2] then
	redis.call('DEL', indexKey)
end
return {pick, score, snapshot}
`)

// removeScript deletes one member if present.
//
// KEYS: queue, tokens, arrivals, token index. ARGV: token id, branch id.
var removeScript = goredis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
	return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if redis.call('GET', KEYS[4]) == ARGV[2] then
	redis.call('DEL', KEYS[4])
end
return 1
`)

// updateScoreScript rescores a member only while it is still queued.
//
// KEYS: queue. ARGV: score, token id.
var updateScoreScript = goredis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[1], ARGV[2])
return 1
`)

// listScript reads members and snapshots in one consistent step.
//
// KEYS: queue, tokens. Returns a flat {id, score, snapshot, ...} list.
var listScript = goredis.NewScript(`
local members = redis.call('ZREVRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local out = {}
for i = 1, #members, 2 do
	local id = members[i]
	out[#out + 1] = id
	out[#out + 1] = members[i + 1]
	out[#out + 1] = redis.call('HGET', KEYS[2], id) or ''
end
return out
`)
