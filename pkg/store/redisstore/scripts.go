package redisstore

import "github.com/redis/go-redis/v9"

// Entries are hashes with fields v (value), ver, ls (lifespan ms), mi (max idle ms),
// c (created ms) and u (last used ms). Scripts receive the current time in ms so that
// lifespan and max idle are enforced with one clock.
const prelude = `
local function live(key, now)
  local e = redis.call('HMGET', key, 'v', 'ver', 'ls', 'mi', 'c', 'u')
  if not e[2] then return nil end
  local ls, mi = tonumber(e[3]), tonumber(e[4])
  if ls > 0 and now - tonumber(e[5]) >= ls then return nil end
  if mi > 0 and now - tonumber(e[6]) >= mi then return nil end
  return e
end

local function ttl(ls, mi, created, now)
  local t = 0
  if ls > 0 then t = created + ls - now end
  if mi > 0 and (t == 0 or mi < t) then t = mi end
  return t
end

local function write(key, setkey, name, verkey, value, ls, mi, now)
  local ver = redis.call('INCR', verkey)
  redis.call('DEL', key)
  redis.call('HSET', key, 'v', value, 'ver', ver, 'ls', ls, 'mi', mi, 'c', now, 'u', now)
  local t = ttl(ls, mi, now, now)
  if t > 0 then redis.call('PEXPIRE', key, t) end
  redis.call('SADD', setkey, name)
  return ver
end

local function prev(e)
  if not e then return {} end
  return e
end
`

// KEYS: entry, keyset, version counter. ARGV: name, value, ls, mi, now.
//
//nolint:gochecknoglobals
var putScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[5])
local e = live(KEYS[1], now)
local ver = write(KEYS[1], KEYS[2], ARGV[1], KEYS[3], ARGV[2], tonumber(ARGV[3]), tonumber(ARGV[4]), now)
return {ver, prev(e)}
`)

// KEYS: entry, keyset, version counter. ARGV: name, value, ls, mi, now.
//
//nolint:gochecknoglobals
var putIfAbsentScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[5])
local e = live(KEYS[1], now)
if e then return {1, e} end
local ver = write(KEYS[1], KEYS[2], ARGV[1], KEYS[3], ARGV[2], tonumber(ARGV[3]), tonumber(ARGV[4]), now)
return {0, {}, ver}
`)

// KEYS: entry, keyset, version counter. ARGV: name, value, version, ls, mi, now.
// Keeps the given version and moves the counter past it; a live entry at the same or a
// higher version wins.
//
//nolint:gochecknoglobals
var restoreScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[6])
local e = live(KEYS[1], now)
local ver = tonumber(ARGV[3])
if e and tonumber(e[2]) >= ver then return {1, e} end
local cur = tonumber(redis.call('GET', KEYS[3]) or '0')
if cur < ver then redis.call('SET', KEYS[3], ver) end
local ls, mi = tonumber(ARGV[4]), tonumber(ARGV[5])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'ver', ver, 'ls', ls, 'mi', mi, 'c', now, 'u', now)
local t = ttl(ls, mi, now, now)
if t > 0 then redis.call('PEXPIRE', KEYS[1], t) end
redis.call('SADD', KEYS[2], ARGV[1])
return {0, {}, ver}
`)

// KEYS: entry, keyset, version counter. ARGV: name, expected, value, ls, mi, now.
//
//nolint:gochecknoglobals
var casScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[6])
local e = live(KEYS[1], now)
if not e then return {2, {}} end
if e[2] ~= ARGV[2] then return {1, e} end
local ver = write(KEYS[1], KEYS[2], ARGV[1], KEYS[3], ARGV[3], tonumber(ARGV[4]), tonumber(ARGV[5]), now)
return {0, e, ver}
`)

// KEYS: entry, keyset. ARGV: name, expected, now.
//
//nolint:gochecknoglobals
var casRemoveScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[3])
local e = live(KEYS[1], now)
if not e then return {2, {}} end
if e[2] ~= ARGV[2] then return {1, e} end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return {0, e}
`)

// KEYS: entry, keyset. ARGV: name, now.
//
//nolint:gochecknoglobals
var removeScript = redis.NewScript(prelude + `
local e = live(KEYS[1], tonumber(ARGV[2]))
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return prev(e)
`)

// KEYS: entry. ARGV: now. Touches last used and refreshes the idle ttl.
//
//nolint:gochecknoglobals
var getScript = redis.NewScript(prelude + `
local now = tonumber(ARGV[1])
local e = live(KEYS[1], now)
if not e then return {} end
redis.call('HSET', KEYS[1], 'u', now)
local t = ttl(tonumber(e[3]), tonumber(e[4]), tonumber(e[5]), now)
if t > 0 then redis.call('PEXPIRE', KEYS[1], t) end
e[6] = tostring(now)
return e
`)
