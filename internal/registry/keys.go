package registry

// Storage key scheme. All gateway state lives under the "gateway:" prefix so
// a shared Redis or Postgres instance can host other applications alongside.
const (
	serverKeyPrefix   = "gateway:servers:"
	toolMetaKeyPrefix = "gateway:tool_meta:"
)

func serverKey(name string) string { return serverKeyPrefix + name }

func authKey(name string) string { return "gateway:server:" + name + ":auth" }

func toolsKey(name string) string { return "gateway:server:" + name + ":tools" }

func toolMetaKey(namespacedName string) string { return toolMetaKeyPrefix + namespacedName }
