// Package mapping converts transport payloads into domain signals and back.
//
// A Processor is built from a connection's MappingContext. Building it
// compiles every configured script, so a Processor that was created
// without error can map messages; this is also how a test-connection
// command validates the mapping configuration without processing
// anything.
//
// # Engines
//
//   - Ditto: the payload is a protocol envelope (topic, headers, path, value)
//   - JavaScript: incoming and outgoing functions run in goja
//   - Expr: expr-lang expressions extract entity id, type and value
//
// Messages whose content type is the envelope content type are always
// mapped by the Ditto engine; anything else goes to the configured engine.
package mapping
