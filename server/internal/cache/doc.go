// Package cache provides a Redis read-through cache in front of a
// preference source.
package cache
