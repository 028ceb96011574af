package cache

// Cache is the read-through layer the room directory puts in front of its
// embedded store.
type Cache interface {
	Get(key interface{}) (interface{}, bool)
	Add(key, value interface{})
	Keys() []interface{}
	Delete(key interface{})
}
