/*
Package ulaes talks to NXP MIFARE Ultralight AES (MF0AES) wristbands used as cashless
payment chips.

The package covers the trusted part of a terminal's tag handling:
  - Cryptographic leaves (AES-128-CBC with zero IV, AES-CMAC, odd-byte MAC truncation)
  - Session key derivation from the two authentication nonces
  - Three-pass mutual authentication and the resulting chip state
  - CMAC secure messaging with the 16-bit session counter
  - Configuration page read-modify-write (Auth0 threshold, CMAC flag)
  - Page reads/writes, serial number, key material
  - Transports: PC/SC readers and PN532 over UART
  - A key byte-order diagnostic for operators

# Memory Map

The tag exposes 60 pages (0x00-0x3B) of 4 bytes each:

	0x00-0x01  UID (UID0 UID1 UID2 BCC0 | UID3 UID4 UID5 UID6)
	0x02-0x03  BCC1, internal, static lock, capability container
	0x04-0x27  User memory (144 bytes)
	0x28       Dynamic lock bytes
	0x29       CFG0: [flags | RFU | RFU | AUTH0]
	0x2A       CFG1
	0x30-0x33  DataProtection key (write only, reversed byte order)
	0x34-0x37  UidRetrieval key (write only, reversed byte order)

CFG0 byte 0 bit 0x02 turns on CMAC secure messaging for every command after authentication.
CFG0 byte 3 (AUTH0) is the first page that needs authentication; pages below it are public.
AUTH0 >= 0x3C disables protection entirely.

# Operation: GET_VERSION (0x60)

	Command:  60
	Response: 00 04 03 <01|02> 04 00 0F 03

Any other product bytes mean the tag is not an Ultralight AES; Connect fails with ErrIncompatibleTag.

# Operation: READ (0x30)

	Command:  30 <page>
	Response: <16 bytes = 4 pages, wrapping at the end of memory>

# Operation: WRITE (0xA2)

	Command:  A2 <page> <b0 b1 b2 b3>
	Response: ACK (0x0A)

# Operation: AUTHENTICATE (0x1A + 0xAF)

Three-pass handshake with zero IV on every block operation:

	Command:  1A <keyType>                  keyType 00 DataProtection, 01 UidRetrieval, 02 Originality
	Response: AF <Ek(RndB)(16)>

	Command:  AF <Ek(RndA || RndB')(32)>    RndB' = RndB rotated left by one byte
	Response: 00 <Ek(RndA')(16)>             RndA' = RndA rotated left by one byte

Session derivation:

	SV = 5A A5 00 01 00 80 || RndA[0:2] || (RndA[2:8] XOR RndB[0:6]) || RndB[6:16] || RndA[8:16]
	SessionKey = AES-CMAC(key, SV)

# Secure Messaging

After authentication with CMAC enabled every command and response carries an 8-byte MAC:

	Command:  <cmd> || MACt(SessionKey, le16(ctr)   || cmd)
	Response: <body> || MACt(SessionKey, le16(ctr+1) || body)

MACt keeps the odd-indexed bytes (1,3,...,15) of the 16-byte CMAC. The counter starts at 0 and
advances by 2 after each verified exchange. A response MAC mismatch breaks the session; the only
way forward is a new authentication.

# Fail States

NAK codes (single 4-bit reply):

	0x0  Invalid argument (page out of range for the command)
	0x1  CRC or parity error
	0x4  Authentication counter overflow / protected page
	0x5  EEPROM write error

Session/Crypto errors:

	ErrAuthenticationFailed   Wrong key, bit error or tampered reply during authentication.
	ErrSecurity               Response MAC mismatch. Session is unusable. Re-authenticate.
	ErrAuthenticationRequired Configuration change without authentication on a protected tag.
	ErrTagLost                Transport lost the tag. Reconnect and re-authenticate.
*/
package ulaes
