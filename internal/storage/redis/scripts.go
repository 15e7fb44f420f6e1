package redis

const (
	// setRecordScript atomically writes a record and adds it to the key index
	setRecordScript = `
local record_key = KEYS[1]     -- {prefix}{key}
local index_key = KEYS[2]      -- {prefix}__keys

local key = ARGV[1]
local value = ARGV[2]

redis.call('SET', record_key, value)
redis.call('SADD', index_key, key)

return 'OK'
`

	// deleteRecordScript atomically removes a record and its index entry
	deleteRecordScript = `
local record_key = KEYS[1]
local index_key = KEYS[2]

local key = ARGV[1]

local removed = redis.call('DEL', record_key)
redis.call('SREM', index_key, key)

return removed
`
)
