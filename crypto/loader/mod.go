// Package loader defines how a private key is read from a persistent storage,
// or generated and stored the first time it is needed.
package loader

// Generator is the interface to implement to generate a key.
type Generator interface {
	Generate() ([]byte, error)
}

// GeneratorFunc is an adapter to use a function as a generator.
//
// - implements loader.Generator
type GeneratorFunc func() ([]byte, error)

// Generate implements loader.Generator.
func (fn GeneratorFunc) Generate() ([]byte, error) {
	return fn()
}

// Loader loads a key from a storage, or generates it if it doesn't exist.
type Loader interface {
	LoadOrCreate(Generator) ([]byte, error)
}
