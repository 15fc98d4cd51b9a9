package redis

const (
	// rotateDocumentScript atomically copies the current document to the
	// backup key and stores the new document
	rotateDocumentScript = `
local current_key = KEYS[1]     -- {prefix}:document
local backup_key = KEYS[2]      -- {prefix}:document:bak

local data = ARGV[1]

-- Snapshot the document being replaced
local current = redis.call('GET', current_key)
if current then
  redis.call('SET', backup_key, current)
end

redis.call('SET', current_key, data)

return 'OK'
`
)
