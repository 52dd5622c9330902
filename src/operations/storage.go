package operations

// Storage is the per-node scratch space handed to a running program.
// Nothing is persisted across restarts.
type Storage interface {
	Put(key string, value any)  // insert or overwrite a value
	Get(key string) (any, bool) // lookup a value by key
	Contains(key string) bool   // report whether key is present
	Remove(key string)          // delete a single key
	Clear()                     // delete every key
	Size() int                  // number of stored keys
	Snapshot() map[string]any   // copy of the current contents
}
