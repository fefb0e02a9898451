// Package generation turns deployment intents into configurations and
// plan steps using a chat model hosted on a SageMaker endpoint.
package generation
