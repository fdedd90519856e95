// Package upload sends a single finalized instance to its destination:
// an OpenRosa server or a Google Sheets spreadsheet. Each uploader records
// the outcome on the instance row (submitted or submissionFailed).
package upload
