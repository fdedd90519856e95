// Package submit sends batches of finalized instances. InstanceSubmitter
// does one batch; AutoSender and Sender run batches under the project's
// instances change lock.
package submit
